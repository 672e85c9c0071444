// Package sync implements the fullnode sync state machine and the
// validator serve loop that answers header/body/tx requests (§4.9).
package sync

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/clyde-dualvm/dexnode/internal/dualvm/blockstore"
	"github.com/clyde-dualvm/dexnode/internal/dualvm/mempool"
	p2pproto "github.com/clyde-dualvm/dexnode/internal/dualvm/p2p"
	"github.com/clyde-dualvm/dexnode/internal/dualvm/store"
)

// MaxHeadersPerRequest bounds a single GetBlockHeaders window (§4.9
// "count = min(512, H - our_latest)"; §7 "oversized batch > 512").
const MaxHeadersPerRequest = 512

// RequestTimeout is the recommended deadline for an outstanding
// header/body window (§5 "recommended 15 s").
const RequestTimeout = 15 * time.Second

// window tracks one outstanding header/body request against a peer.
type window struct {
	peerID      string
	start       uint64
	count       uint64
	headers     []*store.Header
	pendingBody map[common.Hash]bool
	requestedAt time.Time
}

// Syncer drives the fullnode side of §4.9: observe peer heads, request
// missing headers, then bodies, then persist reconstructed blocks in
// order.
type Syncer struct {
	bs      *blockstore.BlockStore
	current *window
}

func NewSyncer(bs *blockstore.BlockStore) *Syncer {
	return &Syncer{bs: bs}
}

// ourLatest returns the highest locally-stored block number.
func (s *Syncer) ourLatest() uint64 {
	hdr, err := s.bs.GetLatestBlock()
	if err != nil {
		return 0
	}
	return hdr.Number
}

// ObservePeerHead reacts to a Status exchange or NewBlockHashes
// announcement: if we're behind and no request is outstanding, issue a
// GetBlockHeaders window (§4.9).
func (s *Syncer) ObservePeerHead(peerID string, headHeight uint64) *p2pproto.GetBlockHeadersRequest {
	if s.current != nil {
		return nil
	}
	latest := s.ourLatest()
	if latest >= headHeight {
		return nil
	}
	count := headHeight - latest
	if count > MaxHeadersPerRequest {
		count = MaxHeadersPerRequest
	}
	start := latest + 1
	s.current = &window{peerID: peerID, start: start, count: count, requestedAt: time.Now()}
	return &p2pproto.GetBlockHeadersRequest{Start: start, Count: count}
}

// OnBlockHeaders handles an incoming BlockHeaders response: an empty
// response clears the outstanding window (§4.9, §7 "Sync stall"); a
// non-empty one queues bodies for retrieval by canonical hash.
func (s *Syncer) OnBlockHeaders(peerID string, headers [][]byte) (*p2pproto.GetBlockBodiesRequest, error) {
	if s.current == nil || s.current.peerID != peerID {
		return nil, nil // unsolicited response; caller should treat as peer misbehavior (§7)
	}
	if len(headers) == 0 {
		s.current = nil
		return nil, nil
	}
	decoded := make([]*store.Header, 0, len(headers))
	hashes := make([]common.Hash, 0, len(headers))
	for i, raw := range headers {
		hdr, err := store.DecodeHeader(s.current.start+uint64(i), raw)
		if err != nil {
			s.current = nil
			return nil, fmt.Errorf("sync: decode header %d: %w", i, err)
		}
		decoded = append(decoded, hdr)
		// hdr.Hash is the canonical block identity hash carried inside the
		// encoded row itself, not a hash of the row's bytes: bodies are
		// indexed in the store under that identity hash (GetBlockByHash),
		// so requesting bodies must key on the same value.
		hashes = append(hashes, hdr.Hash)
	}
	s.current.headers = decoded
	s.current.pendingBody = make(map[common.Hash]bool, len(hashes))
	for _, h := range hashes {
		s.current.pendingBody[h] = true
	}
	return &p2pproto.GetBlockBodiesRequest{Hashes: hashes}, nil
}

// ReconstructedBlock is a header paired with its decoded transaction
// bodies, ready for persistence.
type ReconstructedBlock struct {
	Header *store.Header
	Txs    []*types.Transaction
}

// OnBlockBodies pairs bodies with the queued headers by request order,
// reconstructs blocks, and reports whether the caller should request the
// next window (§4.9 "pair bodies with queued headers by order of
// request").
func (s *Syncer) OnBlockBodies(peerID string, bodies [][]byte) ([]ReconstructedBlock, bool, error) {
	if s.current == nil || s.current.peerID != peerID {
		return nil, false, nil
	}
	w := s.current
	if len(bodies) != len(w.headers) {
		s.current = nil
		return nil, false, fmt.Errorf("sync: body count %d does not match header count %d", len(bodies), len(w.headers))
	}
	out := make([]ReconstructedBlock, 0, len(bodies))
	for i, body := range bodies {
		txs, err := decodeBody(body)
		if err != nil {
			s.current = nil
			return nil, false, fmt.Errorf("sync: decode body %d: %w", i, err)
		}
		out = append(out, ReconstructedBlock{Header: w.headers[i], Txs: txs})
	}
	s.current = nil
	return out, true, nil
}

// decodeBody decodes a BlockBodies entry: an RLP list of raw transaction
// binaries. The entry has no ommers or withdrawals fields.
func decodeBody(body []byte) ([]*types.Transaction, error) {
	var raws [][]byte
	if err := rlpDecodeList(body, &raws); err != nil {
		return nil, err
	}
	txs := make([]*types.Transaction, 0, len(raws))
	for _, raw := range raws {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// CheckTimeout clears the outstanding window if it has exceeded
// RequestTimeout without a response (§5 "Timeouts").
func (s *Syncer) CheckTimeout(now time.Time) {
	if s.current != nil && now.Sub(s.current.requestedAt) > RequestTimeout {
		log.Warn("sync: window timed out, clearing", "peer", s.current.peerID, "start", s.current.start)
		s.current = nil
	}
}

// ServeLoop answers a validator's (or any full node's) incoming
// GetBlockHeaders/GetBlockBodies/Transactions requests (§4.9 "Validator
// serve loop").
type ServeLoop struct {
	bs  *blockstore.BlockStore
	mp  *mempool.Mempool
}

func NewServeLoop(bs *blockstore.BlockStore, mp *mempool.Mempool) *ServeLoop {
	return &ServeLoop{bs: bs, mp: mp}
}

// AnswerGetBlockHeaders walks forward from start for limit entries. This
// node's fullnode side always requests ascending windows (start =
// our_latest+1, §4.9) to catch up contiguously from its own tip, so the
// serve side matches that direction rather than the generic eth/68
// falling-direction default; OnBlockHeaders numbers the response
// start, start+1, ... accordingly.
func (s *ServeLoop) AnswerGetBlockHeaders(start, limit uint64) [][]byte {
	if limit > MaxHeadersPerRequest {
		limit = MaxHeadersPerRequest
	}
	out := make([][]byte, 0, limit)
	for n := start; uint64(len(out)) < limit; n++ {
		hdr, err := s.bs.GetBlockByNumber(n)
		if err != nil {
			break
		}
		out = append(out, store.EncodeHeader(hdr))
	}
	return out
}

// AnswerGetBlockBodies looks up each requested hash; a missing hash
// returns an empty body, never a hole (§4.9).
func (s *ServeLoop) AnswerGetBlockBodies(hashes []common.Hash) [][]byte {
	out := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		loc, err := s.bs.GetBlockByHash(h)
		if err != nil {
			out = append(out, nil)
			continue
		}
		hdr, err := s.bs.GetBlockByNumber(loc.Number)
		if err != nil {
			out = append(out, nil)
			continue
		}
		bodies := make([][]byte, 0, len(hdr.TxHashes))
		for _, txh := range hdr.TxHashes {
			raw, err := s.bs.GetTransaction(txh)
			if err != nil {
				continue
			}
			b, err := raw.MarshalBinary()
			if err != nil {
				continue
			}
			bodies = append(bodies, b)
		}
		encoded, err := rlpEncodeList(bodies)
		if err != nil {
			out = append(out, nil)
			continue
		}
		out = append(out, encoded)
	}
	return out
}

// AcceptTransactions decodes and pushes incoming transactions into the
// mempool, de-duplicating on hash (§4.9).
func (s *ServeLoop) AcceptTransactions(raws [][]byte, signer types.Signer) {
	for _, raw := range raws {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			continue
		}
		from, err := types.Sender(signer, tx)
		if err != nil {
			continue
		}
		if err := s.mp.Add(tx, from); err != nil {
			log.Debug("sync: rejecting transaction", "hash", tx.Hash(), "err", err)
		}
	}
}

// sortHeaders orders headers by ascending number, the order
// AnswerGetBlockHeaders serves in. Only TestSortHeadersAscending calls it;
// AnswerGetBlockHeaders walks numbers upward and does not sort.
func sortHeaders(headers []*store.Header) {
	sort.Slice(headers, func(i, j int) bool { return headers[i].Number < headers[j].Number })
}
