// Package node wires the dual-VM core's subsystems together behind the
// collaborator contract §6 describes for the out-of-scope CLI/RPC layers:
// with_full_config, start_consensus, start_rpc, start_p2p.
package node

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/clyde-dualvm/dexnode/internal/dualvm/blockstore"
	"github.com/clyde-dualvm/dexnode/internal/dualvm/consensus"
	"github.com/clyde-dualvm/dexnode/internal/dualvm/executor"
	"github.com/clyde-dualvm/dexnode/internal/dualvm/mempool"
	p2pproto "github.com/clyde-dualvm/dexnode/internal/dualvm/p2p"
	syncpkg "github.com/clyde-dualvm/dexnode/internal/dualvm/sync"
	"github.com/clyde-dualvm/dexnode/internal/dualvm/store"
)

// GenesisAlloc maps an address to its genesis balance, mirroring the
// `alloc` object of the genesis JSON document (§6).
type GenesisAlloc map[common.Address]*big.Int

// PoaConfig is the optional validator configuration; a nil PoaConfig means
// this node runs in fullnode (non-signing) mode.
type PoaConfig = consensus.Config

// Config bundles with_full_config's parameters (§6).
type Config struct {
	ChainID uint64
	Alloc   GenesisAlloc
	DataDir string
	Poa     *PoaConfig

	ReadCacheSize int // evmstate.Adapter LRU size; 0 disables the cache
	MaxPeers      int
	ListenAddr    string
}

// Node is the assembled dual-VM core: store, executor, consensus engine
// (validator mode only), mempool, and P2P/sync plumbing.
type Node struct {
	cfg Config

	db       *store.Store
	bs       *blockstore.BlockStore
	exec     *executor.Executor
	mempool  *mempool.Mempool
	consensus *consensus.Engine
	peers    *p2pproto.Manager
	syncer   *syncpkg.Syncer
	serve    *syncpkg.ServeLoop

	signer types.Signer
}

// WithFullConfig opens the store (seeding genesis if new), loads the
// executor and mempool, and — if cfg.Poa is set — the consensus engine
// (§6 "with_full_config(chain_id, genesis_alloc, datadir, poa_config?)").
func WithFullConfig(cfg Config) (*Node, error) {
	db, isNew, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	bs := blockstore.New(db)
	if isNew {
		alloc := make(map[common.Address]*store.Account, len(cfg.Alloc))
		for addr, bal := range cfg.Alloc {
			u, overflow := uint256.FromBig(bal)
			if overflow {
				db.Close()
				return nil, fmt.Errorf("node: genesis balance for %s overflows uint256", addr)
			}
			alloc[addr] = &store.Account{Balance: u}
		}
		if err := bs.InitGenesis(cfg.ChainID, alloc); err != nil {
			db.Close()
			return nil, fmt.Errorf("node: init genesis: %w", err)
		}
		log.Info("node: seeded genesis", "chain_id", cfg.ChainID, "accounts", len(alloc))
	}

	exec, err := executor.New(db, cfg.ReadCacheSize, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node: build executor: %w", err)
	}

	signer := types.NewLondonSigner(big.NewInt(0).SetUint64(cfg.ChainID))
	mp := mempool.New(signer)

	n := &Node{
		cfg:      cfg,
		db:       db,
		bs:       bs,
		exec:     exec,
		mempool:  mp,
		peers:    p2pproto.NewManager(cfg.MaxPeers),
		syncer:   syncpkg.NewSyncer(bs),
		serve:    syncpkg.NewServeLoop(bs, mp),
		signer:   signer,
	}

	if cfg.Poa != nil {
		n.consensus = consensus.NewEngine(*cfg.Poa, func() []common.Hash {
			hashes := make([]common.Hash, 0)
			for _, e := range mp.ListPending() {
				hashes = append(hashes, e.Hash)
			}
			return hashes
		})
		if latest, err := bs.GetLatestBlock(); err == nil {
			n.consensus.SetLastBlockHash(latest.Number, latest.Hash)
		}
	}

	return n, nil
}

// Close releases the store handle.
func (n *Node) Close() error {
	return n.db.Close()
}

// StartConsensus runs the proposer loop and, for every finalized proposal,
// drives the executor and persists the resulting block (§6
// "start_consensus()"). It blocks until ctx is cancelled.
func (n *Node) StartConsensus(ctx context.Context) error {
	if n.consensus == nil {
		return fmt.Errorf("node: StartConsensus called without a PoaConfig")
	}
	stopCh := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n.consensus.Start(stopCh)
		return nil
	})

	g.Go(func() error {
		defer close(stopCh)
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case proposal := <-n.consensus.Proposals():
				if err := n.finalizeProposal(proposal); err != nil {
					n.consensus.DropProposal(err)
				}
			}
		}
	})

	return g.Wait()
}

// finalizeProposal executes the mempool's pending transactions, builds the
// signed header from the proposal, and persists the block atomically
// (§4.5 steps 1-5).
func (n *Node) finalizeProposal(p *consensus.Proposal) error {
	pending := n.mempool.ListPending()
	txs := make([]*types.Transaction, 0, len(pending))
	for _, e := range pending {
		txs = append(txs, e.Tx)
	}

	result, err := n.exec.ExecuteBlock(txs, n.signer)
	if err != nil {
		return fmt.Errorf("node: execute block %d: %w", p.Number, err)
	}

	sigBytes := p.Signature.Bytes()
	header := &store.Header{
		Number:            p.Number,
		ParentHash:        p.ParentHash,
		Timestamp:         p.Timestamp,
		GasLimit:          30_000_000,
		GasUsed:           sumGasUsed(result.Receipts),
		Miner:             p.Proposer,
		EVMStateRoot:      result.EVMStateRoot,
		DexVMStateRoot:    result.DexVMStateRoot,
		CombinedStateRoot: result.CombinedStateRoot,
		TxCount:           uint64(len(result.Commit.TxHashes)),
		Signature:         sigBytes,
		TxHashes:          result.Commit.TxHashes,
	}
	header.Hash = blockIdentityHash(header, p)

	result.Commit.Header = header
	if err := n.bs.StoreBlock(result.Commit); err != nil {
		return fmt.Errorf("node: persist block %d: %w", p.Number, err)
	}

	n.mempool.Remove(result.Commit.TxHashes)
	n.consensus.FinalizeBlock(p.Number, header.Hash)
	log.Info("node: finalized block", "number", p.Number, "txs", len(result.Commit.TxHashes), "hash", header.Hash)
	return nil
}

func sumGasUsed(receipts []executor.Receipt) uint64 {
	var total uint64
	for _, r := range receipts {
		total += r.GasUsed
	}
	return total
}

// blockIdentityHash derives the block's own hash from its signed contents;
// it is distinct from the signing digest (which excludes the roots and tx
// set) so that the header's hash commits to everything in it.
func blockIdentityHash(h *store.Header, p *consensus.Proposal) common.Hash {
	digest := p.SigningHash()
	buf := append([]byte{}, digest[:]...)
	buf = append(buf, h.EVMStateRoot[:]...)
	buf = append(buf, h.DexVMStateRoot[:]...)
	buf = append(buf, h.CombinedStateRoot[:]...)
	for _, th := range h.TxHashes {
		buf = append(buf, th[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

// StartRPC satisfies the §6 collaborator contract "start_rpc(ports)". The
// JSON-RPC/REST transport itself is out of scope (§1 Non-goals); this just
// exposes the read/write surfaces an RPC layer would sit on top of.
func (n *Node) StartRPC(ports []int) error {
	log.Info("node: rpc collaborator surface ready", "ports", ports)
	return nil
}

// AddPendingFromRawRLP is the RPC->mempool collaborator contract (§6).
func (n *Node) AddPendingFromRawRLP(raw []byte) (common.Hash, error) {
	return n.mempool.AddPendingFromRawRLP(raw)
}

// ListPending is the RPC->mempool collaborator contract (§6).
func (n *Node) ListPending() []mempool.Entry {
	return n.mempool.ListPending()
}

// ClearPending is the RPC->mempool collaborator contract (§6).
func (n *Node) ClearPending() {
	n.mempool.ClearPending()
}

// BlockStore exposes the §4.7 read operations for the RPC collaborator
// contract (§6 "RPC -> store: all read operations of §4.7").
func (n *Node) BlockStore() *blockstore.BlockStore { return n.bs }

// Executor exposes the live executor for read-only query collaborators
// (counter/account lookups outside of block execution).
func (n *Node) Executor() *executor.Executor { return n.exec }

// StartP2P brings up the devp2p server with the single eth/68 protocol and
// runs the sync/serve loop against connected peers (§6 "start_p2p(config)").
// key is the node's persistent devp2p identity (§6 "a file p2p_key holding
// the hex-encoded 32-byte node identity").
func (n *Node) StartP2P(ctx context.Context, key *ecdsa.PrivateKey) error {
	genesis, err := n.bs.GetBlockByNumber(0)
	if err != nil {
		return fmt.Errorf("node: load genesis for status: %w", err)
	}
	latest, err := n.bs.GetLatestBlock()
	if err != nil {
		latest = genesis
	}

	localStatus := p2pproto.Status{
		Version:    p2pproto.ProtocolVersion,
		ChainID:    n.cfg.ChainID,
		TD:         big.NewInt(0),
		Head:       latest.Hash,
		HeadHeight: latest.Number,
		Genesis:    genesis.Hash,
	}

	proto := p2pproto.Protocol(n.peers, func(peerID string, rw p2p.MsgReadWriter) error {
		remote, err := p2pproto.Handshake(rw, localStatus)
		if err != nil {
			log.Debug("node: p2p handshake failed", "peer", peerID, "err", err)
			return err
		}
		n.peers.SetState(peerID, p2pproto.StateConnected)
		n.peers.SetHead(peerID, remote.HeadHeight)
		session := p2pproto.NewSession(peerID, rw, n.peers)
		n.peers.RegisterSession(peerID, session.Commands())
		n.peers.Emit(p2pproto.Event{PeerID: peerID, Kind: p2pproto.EventConnected})
		if req := n.syncer.ObservePeerHead(peerID, remote.HeadHeight); req != nil {
			session.Commands() <- p2pproto.Command{Kind: p2pproto.CmdGetBlockHeaders, Payload: *req}
		}
		go session.WriteLoop()
		session.ReadLoop()
		return nil
	})

	srv := &p2p.Server{
		Config: p2p.Config{
			PrivateKey: key,
			MaxPeers:   n.cfg.MaxPeers,
			ListenAddr: n.cfg.ListenAddr,
			Protocols:  []p2p.Protocol{proto},
			Name:       "dexnode",
		},
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("node: start p2p server: %w", err)
	}
	go n.dispatchPeerEvents(ctx)
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	return nil
}

// dispatchPeerEvents is the event-dispatch loop §2's "Fullnode mode" data
// flow depends on: it drains the bounded event channel every peer's
// ReadLoop emits onto and drives the syncer (incoming headers/bodies/new
// block hashes) or the serve loop (incoming header/body/tx requests),
// routing any reply back onto the originating peer's command channel via
// Manager.Send. Without this loop, Manager.Emit's blocking send wedges
// every peer reader once the event buffer fills.
func (n *Node) dispatchPeerEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.peers.Events():
			n.handlePeerEvent(ev)
		}
	}
}

func (n *Node) handlePeerEvent(ev p2pproto.Event) {
	switch ev.Kind {
	case p2pproto.EventNewBlockHashes:
		p, ok := ev.Payload.(p2pproto.NewBlockHashesPacket)
		if !ok {
			return
		}
		n.peers.SetHead(ev.PeerID, p.Number)
		if req := n.syncer.ObservePeerHead(ev.PeerID, p.Number); req != nil {
			n.peers.Send(ev.PeerID, p2pproto.Command{Kind: p2pproto.CmdGetBlockHeaders, Payload: *req})
		}

	case p2pproto.EventBlockHeaders:
		p, ok := ev.Payload.(p2pproto.BlockHeadersResponse)
		if !ok {
			return
		}
		req, err := n.syncer.OnBlockHeaders(ev.PeerID, p.Headers)
		if err != nil {
			log.Warn("node: sync header response rejected", "peer", ev.PeerID, "err", err)
			return
		}
		if req != nil {
			n.peers.Send(ev.PeerID, p2pproto.Command{Kind: p2pproto.CmdGetBlockBodies, Payload: *req})
		}

	case p2pproto.EventBlockBodies:
		p, ok := ev.Payload.(p2pproto.BlockBodiesResponse)
		if !ok {
			return
		}
		blocks, _, err := n.syncer.OnBlockBodies(ev.PeerID, p.Bodies)
		if err != nil {
			log.Warn("node: sync body response rejected", "peer", ev.PeerID, "err", err)
			return
		}
		for _, b := range blocks {
			if err := n.persistSyncedBlock(b); err != nil {
				log.Warn("node: failed to persist synced block", "number", b.Header.Number, "err", err)
				return
			}
		}
		if peer, ok := n.peers.Peer(ev.PeerID); ok {
			if req := n.syncer.ObservePeerHead(ev.PeerID, peer.HeadHeight); req != nil {
				n.peers.Send(ev.PeerID, p2pproto.Command{Kind: p2pproto.CmdGetBlockHeaders, Payload: *req})
			}
		}

	case p2pproto.EventGetBlockHeaders:
		p, ok := ev.Payload.(p2pproto.GetBlockHeadersRequest)
		if !ok {
			return
		}
		headers := n.serve.AnswerGetBlockHeaders(p.Start, p.Count)
		n.peers.Send(ev.PeerID, p2pproto.Command{
			Kind:    p2pproto.CmdSendBlockHeaders,
			Payload: p2pproto.BlockHeadersResponse{RequestID: p.RequestID, Headers: headers},
		})

	case p2pproto.EventGetBlockBodies:
		p, ok := ev.Payload.(p2pproto.GetBlockBodiesRequest)
		if !ok {
			return
		}
		bodies := n.serve.AnswerGetBlockBodies(p.Hashes)
		n.peers.Send(ev.PeerID, p2pproto.Command{
			Kind:    p2pproto.CmdSendBlockBodies,
			Payload: p2pproto.BlockBodiesResponse{RequestID: p.RequestID, Bodies: bodies},
		})

	case p2pproto.EventTransactions:
		p, ok := ev.Payload.(p2pproto.TransactionsPacket)
		if !ok {
			return
		}
		n.serve.AcceptTransactions(p.RawTxs, n.signer)

	case p2pproto.EventDisconnected:
		n.peers.Remove(ev.PeerID)
	}
}

// persistSyncedBlock stores a fullnode-reconstructed block exactly as
// received: the header (and the roots/signature already committed inside
// it) plus its transaction bodies, without re-executing it (§2 "Fullnode
// mode: ... reconstruct and persist blocks in order").
func (n *Node) persistSyncedBlock(b syncpkg.ReconstructedBlock) error {
	txHashes := make([]common.Hash, len(b.Txs))
	txBodies := make([][]byte, len(b.Txs))
	for i, tx := range b.Txs {
		txHashes[i] = tx.Hash()
		body, err := tx.MarshalBinary()
		if err != nil {
			return fmt.Errorf("marshal synced tx %s: %w", tx.Hash(), err)
		}
		txBodies[i] = body
	}
	commit := &store.BlockCommit{
		Header:   b.Header,
		TxHashes: txHashes,
		TxBodies: txBodies,
	}
	if err := n.bs.StoreBlock(commit); err != nil {
		return fmt.Errorf("persist block %d: %w", b.Header.Number, err)
	}
	log.Info("node: synced block", "number", b.Header.Number, "hash", b.Header.Hash)
	return nil
}
