// Command dexnode is the ambient CLI entrypoint wiring flags straight into
// the node collaborator contract (§6); it carries no business logic of its
// own, matching §1's explicit exclusion of CLI argument parsing from the
// core's scope.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/clyde-dualvm/dexnode/internal/dualvm/consensus"
	"github.com/clyde-dualvm/dexnode/internal/dualvm/node"
)

func main() {
	app := &cli.App{
		Name:  "dexnode",
		Usage: "single-validator dual-VM (EVM + DexVM) proof-of-authority node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "datadir", Value: "./dexnode-data", Usage: "data directory for the persistent store and p2p identity"},
			&cli.Uint64Flag{Name: "chainid", Value: 1337, Usage: "chain id carried in the Status handshake"},
			&cli.IntFlag{Name: "port", Value: 30303, Usage: "devp2p listen port"},
			&cli.IntFlag{Name: "maxpeers", Value: 25, Usage: "maximum concurrent peer sessions"},
			&cli.DurationFlag{Name: "block-interval", Value: 1 * time.Second, Usage: "POA block production interval"},
			&cli.StringFlag{Name: "validator-key", Usage: "hex-encoded secp256k1 validator private key; enables consensus when set"},
			&cli.StringFlag{Name: "log-file", Usage: "optional rotating log file path"},
			&cli.StringSliceFlag{Name: "alloc", Usage: "genesis allocation as address=balance, may repeat"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "dexnode:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	setupLogging(c.String("log-file"))

	datadir := c.String("datadir")
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return fmt.Errorf("create datadir: %w", err)
	}

	alloc, err := parseAlloc(c.StringSlice("alloc"))
	if err != nil {
		return err
	}

	cfg := node.Config{
		ChainID:       c.Uint64("chainid"),
		Alloc:         alloc,
		DataDir:       datadir,
		ReadCacheSize: 4096,
		MaxPeers:      c.Int("maxpeers"),
		ListenAddr:    fmt.Sprintf(":%d", c.Int("port")),
	}

	if keyHex := c.String("validator-key"); keyHex != "" {
		poaCfg, err := consensus.ConfigFromHex(keyHex, c.Duration("block-interval"), 0)
		if err != nil {
			return fmt.Errorf("parse validator key: %w", err)
		}
		cfg.Poa = &poaCfg
		log.Info("dexnode: running as validator", "address", poaCfg.Validator)
	}

	n, err := node.WithFullConfig(cfg)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}
	defer n.Close()

	if err := n.StartRPC(nil); err != nil {
		return fmt.Errorf("start rpc: %w", err)
	}

	p2pKey, err := loadOrCreateP2PKey(datadir)
	if err != nil {
		return fmt.Errorf("load p2p identity: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := n.StartP2P(ctx, p2pKey); err != nil {
		return fmt.Errorf("start p2p: %w", err)
	}

	if cfg.Poa != nil {
		go func() {
			if err := n.StartConsensus(ctx); err != nil && ctx.Err() == nil {
				log.Error("dexnode: consensus loop exited", "err", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("dexnode: shutting down")
	return nil
}

func setupLogging(logFile string) {
	handler := log.NewTerminalHandler(os.Stderr, true)
	if logFile == "" {
		log.SetDefault(log.NewLogger(handler))
		return
	}
	rotator := &lumberjack.Logger{Filename: logFile, MaxSize: 100, MaxBackups: 5, MaxAge: 28}
	log.SetDefault(log.NewLogger(log.NewTerminalHandler(rotator, false)))
}

// loadOrCreateP2PKey reads the node's persistent devp2p identity from
// <datadir>/p2p_key, generating and saving one if absent (§6 "a file
// p2p_key holding the hex-encoded 32-byte node identity (file mode 0600)").
func loadOrCreateP2PKey(datadir string) (*ecdsa.PrivateKey, error) {
	path := filepath.Join(datadir, "p2p_key")
	if data, err := os.ReadFile(path); err == nil {
		key, err := crypto.HexToECDSA(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse existing p2p_key: %w", err)
		}
		return key, nil
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate p2p key: %w", err)
	}
	encoded := hex.EncodeToString(crypto.FromECDSA(key))
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write p2p_key: %w", err)
	}
	return key, nil
}

func parseAlloc(entries []string) (node.GenesisAlloc, error) {
	alloc := make(node.GenesisAlloc, len(entries))
	for _, e := range entries {
		addrHex, balStr, ok := splitOnce(e, '=')
		if !ok {
			return nil, fmt.Errorf("malformed --alloc entry %q, expected address=balance", e)
		}
		addr := common.HexToAddress(addrHex)
		bal, ok := new(big.Int).SetString(balStr, 0)
		if !ok {
			return nil, fmt.Errorf("malformed balance in --alloc entry %q", e)
		}
		alloc[addr] = bal
	}
	return alloc, nil
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
