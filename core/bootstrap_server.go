package core

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// bootstrap_server.go implements the bootstrap server: a node that has
// already caught up answers fresh nodes over a single long-lived libp2p
// stream, walking them through time, peers, consensus state and a
// paginated ledger dump. The ledger snapshot is taken before the
// consensus snapshot so the execution state is never newer than the
// graph.

const bootstrapProtocolID = "/synnergy/bootstrap/1"

// BootstrapServerConfig mirrors pkg/config.Config's Bootstrap section.
type BootstrapServerConfig struct {
	PerIPMinInterval time.Duration
	IPListMaxSize    int
	MaxSimultaneous  int
	CacheDuration    time.Duration
	LedgerPartSize   int
}

// bootstrapCache remembers one recent (ledger, stake, graph) snapshot so a
// burst of near-simultaneous bootstraps don't each force a fresh export.
// The ledger is always exported first: the execution state a client
// receives must never be newer than the consensus state describing it.
type bootstrapCache struct {
	takenAt time.Time
	ledger  *FinalLedgerBootstrap
	graph   *BootstrapableGraph
	stake   *ExportProofOfStake
}

// BootstrapServer answers bootstrap sessions from fresh peers.
type BootstrapServer struct {
	cfg    BootstrapServerConfig
	node   *Node
	graph  *BlockGraph
	ledger *FinalLedger
	rolls  *RollManager
	logger *logrus.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cache    *bootstrapCache
	sem      chan struct{}
}

// NewBootstrapServer wires a bootstrap server over an already-running Node.
func NewBootstrapServer(cfg BootstrapServerConfig, node *Node, graph *BlockGraph, ledger *FinalLedger, rolls *RollManager, logger *logrus.Logger) *BootstrapServer {
	return &BootstrapServer{
		cfg:      cfg,
		node:     node,
		graph:    graph,
		ledger:   ledger,
		rolls:    rolls,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		sem:      make(chan struct{}, cfg.MaxSimultaneous),
	}
}

// Start registers the bootstrap protocol's stream handler on the node.
func (s *BootstrapServer) Start() {
	s.node.host.SetStreamHandler(protocol.ID(bootstrapProtocolID), s.handleStream)
}

// Stop removes the stream handler.
func (s *BootstrapServer) Stop() {
	s.node.host.RemoveStreamHandler(protocol.ID(bootstrapProtocolID))
}

func (s *BootstrapServer) handleStream(stream network.Stream) {
	defer stream.Close()
	remoteIP := stream.Conn().RemoteMultiaddr().String()
	sessionID := uuid.New().String()

	if !s.admit(remoteIP) {
		s.writeError(stream, fmt.Sprintf("bootstrap: rejecting %s (rate limited or over capacity)", remoteIP))
		return
	}
	defer func() { <-s.sem }()

	s.logger.Infof("bootstrap: session %s started for %s", sessionID, remoteIP)
	if err := s.runSession(stream); err != nil {
		s.logger.Warnf("bootstrap: session %s failed: %v", sessionID, err)
		return
	}
	s.logger.Infof("bootstrap: session %s completed for %s", sessionID, remoteIP)
}

// admit enforces the tracked-IP list bound (for an IP not tracked yet), the
// per-IP interval and the simultaneous-session cap, in that order.
func (s *BootstrapServer) admit(ip string) bool {
	s.mu.Lock()
	lim, ok := s.limiters[ip]
	if !ok {
		if len(s.limiters) >= s.cfg.IPListMaxSize {
			s.mu.Unlock()
			return false
		}
		lim = rate.NewLimiter(rate.Every(s.cfg.PerIPMinInterval), 1)
		s.limiters[ip] = lim
	}
	s.mu.Unlock()

	if !lim.Allow() {
		return false
	}
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// writeErrorDelay gives the peer a moment to read an error frame before the
// deferred stream close tears the connection down.
const writeErrorDelay = 100 * time.Millisecond

func (s *BootstrapServer) writeError(stream network.Stream, reason string) {
	body := BootstrapErrorMsg{Message: reason}.Encode()
	if err := WriteMessage(stream, MsgTagBootstrapError, body); err != nil {
		s.logger.Warnf("bootstrap: write error message: %v", err)
		return
	}
	time.Sleep(writeErrorDelay)
}

// runSession drives the full bootstrap sequence: version handshake, time,
// peers, consensus state, final-state header, then paginated ledger parts
// cut from the session's snapshot until the last page is served.
func (s *BootstrapServer) runSession(stream network.Stream) error {
	br := bufio.NewReader(stream)

	tag, body, err := ReadMessage(br)
	if err != nil {
		return fmt.Errorf("read version handshake: %w", err)
	}
	if tag != MsgTagBootstrapVersion {
		return fmt.Errorf("%w: expected version handshake, got tag %d", ErrParsing, tag)
	}
	hello, err := DecodeBootstrapVersionMsg(body)
	if err != nil {
		return err
	}
	if !versionsCompatible(hello.Version, BootstrapVersion) {
		s.writeError(stream, fmt.Sprintf("incompatible bootstrap version %q, server speaks %q", hello.Version, BootstrapVersion))
		return fmt.Errorf("%w: client %q", ErrIncompatibleVersion, hello.Version)
	}

	snap, err := s.sessionSnapshot()
	if err != nil {
		s.writeError(stream, "bootstrap state unavailable, wait and retry")
		return err
	}

	timeMsg := BootstrapTimeMsg{ServerUnixMillis: time.Now().UnixMilli(), Version: BootstrapVersion}
	if err := WriteMessage(stream, MsgTagBootstrapTime, timeMsg.Encode()); err != nil {
		return fmt.Errorf("write time: %w", err)
	}

	peers := s.node.Peers()
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		addrs = append(addrs, p.Addr)
	}
	if err := WriteMessage(stream, MsgTagBootstrapPeers, BootstrapPeersMsg{Addrs: addrs}.Encode()); err != nil {
		return fmt.Errorf("write peers: %w", err)
	}

	consensusBody, err := ConsensusStateMsg{Graph: snap.graph, Stake: snap.stake}.Encode()
	if err != nil {
		return fmt.Errorf("encode consensus state: %w", err)
	}
	if err := WriteMessage(stream, MsgTagConsensusState, consensusBody); err != nil {
		return fmt.Errorf("write consensus state: %w", err)
	}

	header := FinalStateMsg{Slot: snap.ledger.Slot, EntryCount: uint64(len(snap.ledger.Entries))}
	if err := WriteMessage(stream, MsgTagFinalState, header.Encode()); err != nil {
		return fmt.Errorf("write final state: %w", err)
	}

	for {
		tag, body, err := ReadMessage(br)
		if err != nil {
			return fmt.Errorf("read ledger request: %w", err)
		}
		if tag != MsgTagAskConsensusLedgerPart {
			return fmt.Errorf("%w: expected ask-ledger-part, got tag %d", ErrParsing, tag)
		}
		ask, err := DecodeAskConsensusLedgerPartMsg(body)
		if err != nil {
			return fmt.Errorf("decode ask-ledger-part: %w", err)
		}
		size := ask.Size
		if size <= 0 || size > s.cfg.LedgerPartSize {
			size = s.cfg.LedgerPartSize
		}
		entries, end := ledgerPartOf(snap.ledger.Entries, ask.After, size)
		changes := NewLedgerChanges()
		for _, ae := range entries {
			changes[ae.Address] = Set[LedgerEntry, LedgerEntryUpdate](ae.Entry)
		}
		resp, err := ResponseConsensusLedgerPartMsg{Slot: snap.ledger.Slot, Changes: changes, End: end}.Encode()
		if err != nil {
			return fmt.Errorf("encode ledger part: %w", err)
		}
		if err := WriteMessage(stream, MsgTagResponseLedgerPart, resp); err != nil {
			return fmt.Errorf("write ledger part: %w", err)
		}
		if end {
			return nil
		}
	}
}

// ledgerPartOf slices the next page out of an address-sorted snapshot:
// entries strictly after the after cursor, at most size of them. The bool
// is true when the page reaches the snapshot's end.
func ledgerPartOf(entries []AddressEntry, after *Address, size int) ([]AddressEntry, bool) {
	start := 0
	if after != nil {
		start = sort.Search(len(entries), func(i int) bool {
			return bytes.Compare(entries[i].Address[:], after[:]) > 0
		})
	}
	end := start + size
	if end >= len(entries) {
		return entries[start:], true
	}
	return entries[start:end], false
}

// sessionSnapshot returns the cached (ledger, stake, graph) bundle if it's
// still fresh, otherwise assembles and caches a new one. The ledger is
// exported first, then the stake and graph snapshots, so a client can
// never observe a ledger that is newer than the consensus state
// describing it.
func (s *BootstrapServer) sessionSnapshot() (*bootstrapCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil && time.Since(s.cache.takenAt) < s.cfg.CacheDuration {
		return s.cache, nil
	}
	ledger, err := s.ledger.GetBootstrapState()
	if err != nil {
		return nil, fmt.Errorf("export ledger: %w", err)
	}
	stake := s.rolls.Export()
	graph := s.graph.GetBootstrapState()
	s.cache = &bootstrapCache{takenAt: time.Now(), ledger: ledger, graph: graph, stake: stake}
	return s.cache, nil
}
