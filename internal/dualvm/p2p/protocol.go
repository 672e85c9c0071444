// Package p2p implements the devp2p session layer (§4.8): ECIES-encrypted
// TCP sessions via go-ethereum's p2p.Server, a Hello exchange restricted to
// the single eth/68 capability, and the eth Status handshake. Per-peer
// message handling is split into a reader loop and a writer loop
// communicating with the supervisor over bounded channels.
package p2p

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/p2p"
)

// ProtocolName and Version identify the single capability this node
// offers; peers that don't speak eth/68 are rejected during Hello (§4.8).
const (
	ProtocolName    = "eth"
	ProtocolVersion = 68
)

// Eth wire message codes (§4.8 "Message handling").
const (
	StatusMsg          = 0x00
	NewBlockHashesMsg   = 0x01
	TransactionsMsg     = 0x02
	GetBlockHeadersMsg  = 0x03
	BlockHeadersMsg     = 0x04
	GetBlockBodiesMsg   = 0x05
	BlockBodiesMsg      = 0x06
)

// Status is the eth/68 handshake payload (§4.8, §6).
type Status struct {
	Version     uint32
	ChainID     uint64
	TD          *big.Int
	Head        common.Hash
	HeadHeight  uint64 // not part of the upstream eth/68 wire tuple; carried so a fullnode can size its first sync window without waiting on a header round-trip
	Genesis     common.Hash
	ForkID      [4]byte
}

// GetBlockHeadersRequest mirrors the upstream eth/68 wire shape closely
// enough for this node's own peers to interoperate: an ascending window
// starting at Start for Count headers. This node always requests forward
// from its own tip (§4.9 "start = our_latest+1"), so unlike the generic
// eth/68 default the serve side answers ascending too.
type GetBlockHeadersRequest struct {
	RequestID uint64
	Start     uint64
	Count     uint64
}

type BlockHeadersResponse struct {
	RequestID uint64
	Headers   [][]byte // RLP-encoded canonical headers
}

type GetBlockBodiesRequest struct {
	RequestID uint64
	Hashes    []common.Hash
}

type BlockBodiesResponse struct {
	RequestID uint64
	Bodies    [][]byte // each an RLP list of raw transaction binaries; no ommers or withdrawals fields
}

type NewBlockHashesPacket struct {
	Hash   common.Hash
	Number uint64
}

type TransactionsPacket struct {
	RawTxs [][]byte
}

// PeerState is the per-peer lifecycle state tracked by the Manager (§4.8
// "Peer manager").
type PeerState int

const (
	StateConnecting PeerState = iota
	StateHandshaking
	StateConnected
	StateDisconnected
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// PeerInfo is what the Manager tracks per connected peer.
type PeerInfo struct {
	ID         string
	State      PeerState
	HeadHeight uint64
}

// cmdChanCapacity and eventChanCapacity are the bounded channel sizes
// mandated by §5 ("capacity 256 for commands, 1024 for events").
const (
	cmdChanCapacity   = 256
	eventChanCapacity = 1024
)

// Event is something the supervisor observed from a peer session.
type Event struct {
	PeerID  string
	Kind    EventKind
	Payload interface{}
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventNewBlockHashes
	EventBlockHeaders
	EventBlockBodies
	EventGetBlockHeaders
	EventGetBlockBodies
	EventTransactions
)

// Command is something the supervisor tells a peer session to send.
type Command struct {
	Kind    CommandKind
	Payload interface{}
}

type CommandKind int

const (
	CmdGetBlockHeaders CommandKind = iota
	CmdGetBlockBodies
	CmdAnnounceBlocks
	CmdSendBlockHeaders
	CmdSendBlockBodies
	CmdBroadcastTransactions
	CmdDisconnect
)

// Manager owns the peer-manager map (§5 "P2P supervisor task owns the
// peer-manager map (read-write lock)") plus the broadcast event channel.
type Manager struct {
	mu       sync.RWMutex
	peers    map[string]*PeerInfo
	sessions map[string]chan<- Command
	maxPeers int

	events chan Event
}

func NewManager(maxPeers int) *Manager {
	return &Manager{
		peers:    make(map[string]*PeerInfo),
		sessions: make(map[string]chan<- Command),
		maxPeers: maxPeers,
		events:   make(chan Event, eventChanCapacity),
	}
}

// Events exposes the bounded broadcast channel. Events are never dropped:
// Emit blocks while the channel is full. No lag count is kept or reported
// to a slow subscriber.
func (m *Manager) Events() <-chan Event { return m.events }

// Emit blocks until the event is delivered; used for events that must never
// be silently dropped. The Manager never closes the channel.
func (m *Manager) Emit(e Event) {
	m.events <- e
}

// TryAdmit enforces max_peers at admission (§4.8 "Peer manager").
func (m *Manager) TryAdmit(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.peers) >= m.maxPeers {
		return false
	}
	m.peers[id] = &PeerInfo{ID: id, State: StateConnecting}
	return true
}

func (m *Manager) SetState(id string, state PeerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[id]; ok {
		p.State = state
	}
}

func (m *Manager) SetHead(id string, height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[id]; ok {
		p.HeadHeight = height
	}
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
	delete(m.sessions, id)
}

// Peer returns a point-in-time copy of the tracked info for id.
func (m *Manager) Peer(id string) (PeerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// RegisterSession associates a peer's outbound command channel so the
// node-level event-dispatch loop can route replies back to the session
// that should send them (§5 "P2P supervisor task owns ... command
// channels").
func (m *Manager) RegisterSession(id string, cmds chan<- Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = cmds
}

// Send routes cmd onto the named peer's command channel; it reports false
// if the peer is no longer tracked (already disconnected).
func (m *Manager) Send(id string, cmd Command) bool {
	m.mu.RLock()
	cmds, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	cmds <- cmd
	return true
}

// Snapshot returns a point-in-time copy of all tracked peers, used by the
// periodic maintenance tick to log counts (§4.8 "no eviction is required
// for the core").
func (m *Manager) Snapshot() []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	return out
}

// Session is one peer's reader/writer task pair (§4.8 "Per peer: one
// reader task ... one writer task").
type Session struct {
	PeerID string
	rw     p2p.MsgReadWriter
	cmds   chan Command
	mgr    *Manager
}

// NewSession wraps an established p2p.MsgReadWriter (post-Hello) for the
// eth/68 protocol loop.
func NewSession(peerID string, rw p2p.MsgReadWriter, mgr *Manager) *Session {
	return &Session{PeerID: peerID, rw: rw, cmds: make(chan Command, cmdChanCapacity), mgr: mgr}
}

// Commands exposes the bounded command channel the writer loop drains.
func (s *Session) Commands() chan<- Command { return s.cmds }

// Handshake performs the eth Status exchange (§4.8 step 3): send our
// Status, read the peer's, and reject on chain_id or genesis_hash
// mismatch.
func Handshake(rw p2p.MsgReadWriter, local Status) (*Status, error) {
	if err := p2p.Send(rw, StatusMsg, local); err != nil {
		return nil, fmt.Errorf("p2p: send status: %w", err)
	}
	msg, err := rw.ReadMsg()
	if err != nil {
		return nil, fmt.Errorf("p2p: read status: %w", err)
	}
	defer msg.Discard()
	if msg.Code != StatusMsg {
		return nil, fmt.Errorf("p2p: expected status (0x00), got 0x%02x", msg.Code)
	}
	var remote Status
	if err := msg.Decode(&remote); err != nil {
		return nil, fmt.Errorf("p2p: decode status: %w", err)
	}
	if remote.ChainID != local.ChainID {
		return nil, fmt.Errorf("p2p: chain id mismatch: local=%d remote=%d", local.ChainID, remote.ChainID)
	}
	if remote.Genesis != local.Genesis {
		return nil, fmt.Errorf("p2p: genesis hash mismatch: local=%s remote=%s", local.Genesis, remote.Genesis)
	}
	return &remote, nil
}

// ReadLoop is the per-peer reader task: it decodes incoming eth messages
// and forwards typed Events to the supervisor (§4.8 "Per peer: one reader
// task decoding incoming eth messages and forwarding typed events").
func (s *Session) ReadLoop() {
	defer s.mgr.Emit(Event{PeerID: s.PeerID, Kind: EventDisconnected})
	for {
		msg, err := s.rw.ReadMsg()
		if err != nil {
			return
		}
		s.dispatch(msg)
		msg.Discard()
	}
}

func (s *Session) dispatch(msg p2p.Msg) {
	switch msg.Code {
	case NewBlockHashesMsg:
		var p NewBlockHashesPacket
		if msg.Decode(&p) == nil {
			s.mgr.Emit(Event{PeerID: s.PeerID, Kind: EventNewBlockHashes, Payload: p})
		}
	case BlockHeadersMsg:
		var p BlockHeadersResponse
		if msg.Decode(&p) == nil {
			s.mgr.Emit(Event{PeerID: s.PeerID, Kind: EventBlockHeaders, Payload: p})
		}
	case BlockBodiesMsg:
		var p BlockBodiesResponse
		if msg.Decode(&p) == nil {
			s.mgr.Emit(Event{PeerID: s.PeerID, Kind: EventBlockBodies, Payload: p})
		}
	case GetBlockHeadersMsg:
		var p GetBlockHeadersRequest
		if msg.Decode(&p) == nil {
			s.mgr.Emit(Event{PeerID: s.PeerID, Kind: EventGetBlockHeaders, Payload: p})
		}
	case GetBlockBodiesMsg:
		var p GetBlockBodiesRequest
		if msg.Decode(&p) == nil {
			s.mgr.Emit(Event{PeerID: s.PeerID, Kind: EventGetBlockBodies, Payload: p})
		}
	case TransactionsMsg:
		var p TransactionsPacket
		if msg.Decode(&p) == nil {
			s.mgr.Emit(Event{PeerID: s.PeerID, Kind: EventTransactions, Payload: p})
		}
	// Pooled-tx-hash announcements (eth/68's NewPooledTransactionHashes) are
	// ignored per §4.8; any other unrecognized code is also just dropped.
	default:
	}
}

// WriteLoop is the per-peer writer task: it drains the bounded command
// channel and encodes outgoing eth messages (§4.8 "one writer task
// draining a bounded command channel").
func (s *Session) WriteLoop() {
	for cmd := range s.cmds {
		if err := s.send(cmd); err != nil {
			// Send failure signals the peer unhealthy; the supervisor's
			// ReadLoop will observe the resulting connection close and
			// emit EventDisconnected (§5 "send failure signals peer
			// unhealthy -> disconnect").
			return
		}
	}
}

func (s *Session) send(cmd Command) error {
	switch cmd.Kind {
	case CmdGetBlockHeaders:
		return p2p.Send(s.rw, GetBlockHeadersMsg, cmd.Payload)
	case CmdGetBlockBodies:
		return p2p.Send(s.rw, GetBlockBodiesMsg, cmd.Payload)
	case CmdAnnounceBlocks:
		return p2p.Send(s.rw, NewBlockHashesMsg, cmd.Payload)
	case CmdSendBlockHeaders:
		return p2p.Send(s.rw, BlockHeadersMsg, cmd.Payload)
	case CmdSendBlockBodies:
		return p2p.Send(s.rw, BlockBodiesMsg, cmd.Payload)
	case CmdBroadcastTransactions:
		return p2p.Send(s.rw, TransactionsMsg, cmd.Payload)
	case CmdDisconnect:
		return fmt.Errorf("p2p: disconnect requested")
	default:
		return fmt.Errorf("p2p: unknown command kind %d", cmd.Kind)
	}
}

// Protocol builds the go-ethereum p2p.Protocol descriptor advertising the
// single eth/68 capability during Hello; peers offering anything else are
// never matched and are effectively rejected (§4.8 step 2).
func Protocol(mgr *Manager, handle func(peerID string, rw p2p.MsgReadWriter) error) p2p.Protocol {
	return p2p.Protocol{
		Name:    ProtocolName,
		Version: ProtocolVersion,
		Length:  0x07,
		Run: func(peer *p2p.Peer, rw p2p.MsgReadWriter) error {
			id := peer.ID().String()
			if !mgr.TryAdmit(id) {
				return fmt.Errorf("p2p: max_peers reached, rejecting %s", id)
			}
			mgr.SetState(id, StateHandshaking)
			defer mgr.Remove(id)
			return handle(id, rw)
		},
	}
}
