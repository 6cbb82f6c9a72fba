package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"
)

// protocol_propagation.go implements two-phase operation gossip built
// the same way replication.go gossips blocks (a dedicated protocol ID, a
// subscribe/readLoop pair over PeerManager, inv-style batches rather than
// full payloads first). Phase A floods operation-id batches; phase B decides
// whether to ask immediately or buffer a delayed ask, so a slow peer that
// already claimed a batch isn't redundantly re-asked while a second peer's
// copy might still arrive in time.

const propagationProtocolID = "/synnergy/opprop/1"

type propMsgType uint8

const (
	propMsgBatch propMsgType = iota + 1 // batch of operation ids (inventory)
	propMsgAsk                          // ask for full operations by id
	propMsgOps                          // full RLP-encoded operations
)

// OperationPool is the minimal collaborator verified operations are handed
// to and consulted against; a concrete in-memory pool is provided below but
// callers may supply their own (e.g. one backed by persistent storage).
type OperationPool interface {
	Add(op *Operation) error
	Has(id OperationId) bool
	Get(id OperationId) (*Operation, bool)
}

// PropagationConfig tunes the gossip timers.
type PropagationConfig struct {
	Fanout                int
	BatchProcPeriod       time.Duration
	AskedPruneInterval    time.Duration
	AskedEntryTTL         time.Duration
	MaxOperationsPerBatch int
}

type askedEntry struct {
	askedAt time.Time
	peers   map[string]bool
}

type bufferedBatch struct {
	ids      []OperationId
	deadline time.Time
	timer    *time.Timer
}

// Propagator tracks asked operations, buffered delayed asks and checked
// operations over a PeerManager.
type Propagator struct {
	cfg    PropagationConfig
	logger *logrus.Logger
	pm     PeerManager
	pool   OperationPool

	mu      sync.Mutex
	checked map[OperationId]bool
	asked   map[OperationId]*askedEntry
	seenBy  map[string]map[OperationId]bool
	buffer  map[string]*bufferedBatch // keyed by peer id: the peer's still-pending batch
	banned  map[string]bool

	wg      sync.WaitGroup
	closing chan struct{}
}

// NewPropagator wires the subsystem to pm (used for Sample/SendAsync/Subscribe,
// the same collaborator replication.go and the bootstrap machines use) and
// pool (the component's view of "known" operations).
func NewPropagator(cfg PropagationConfig, logger *logrus.Logger, pm PeerManager, pool OperationPool) *Propagator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Propagator{
		cfg:     cfg,
		logger:  logger,
		pm:      pm,
		pool:    pool,
		checked: map[OperationId]bool{},
		asked:   map[OperationId]*askedEntry{},
		seenBy:  map[string]map[OperationId]bool{},
		buffer:  map[string]*bufferedBatch{},
		banned:  map[string]bool{},
		closing: make(chan struct{}),
	}
}

// Start subscribes to the propagation protocol and launches the read loop
// and the asked_operations pruning timer.
func (p *Propagator) Start() {
	sub := p.pm.Subscribe(propagationProtocolID)
	p.wg.Add(2)
	go p.readLoop(sub)
	go p.pruneLoop()
}

// Stop terminates the read loop, the pruning timer and any pending buffered
// asks.
func (p *Propagator) Stop() {
	close(p.closing)
	p.pm.Unsubscribe(propagationProtocolID)
	p.mu.Lock()
	for _, b := range p.buffer {
		b.timer.Stop()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Propagator) readLoop(sub <-chan InboundMsg) {
	defer p.wg.Done()
	for {
		select {
		case <-p.closing:
			return
		case m, ok := <-sub:
			if !ok {
				return
			}
			if len(m.Payload) == 0 {
				continue
			}
			go p.handleMsg(m.PeerID, propMsgType(m.Payload[0]), m.Payload[1:])
		}
	}
}

func (p *Propagator) pruneLoop() {
	defer p.wg.Done()
	interval := p.cfg.AskedPruneInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closing:
			return
		case <-ticker.C:
			p.pruneAsked()
		}
	}
}

func (p *Propagator) pruneAsked() {
	ttl := p.cfg.AskedEntryTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.asked {
		if now.Sub(e.askedAt) > ttl {
			delete(p.asked, id)
		}
	}
}

func (p *Propagator) handleMsg(peerID string, kind propMsgType, body []byte) {
	if p.IsBanned(peerID) {
		return
	}
	switch kind {
	case propMsgBatch:
		p.handleBatch(peerID, body)
	case propMsgAsk:
		p.handleAsk(peerID, body)
	case propMsgOps:
		p.handleOps(peerID, body)
	default:
		p.logger.Warnf("protocol propagation: unknown message kind %d from %s", kind, peerID)
	}
}

// IsBanned reports whether peerID has been banned for sending malformed
// operations.
func (p *Propagator) IsBanned(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.banned[peerID]
}

// Ban excludes peerID from gossip: its batches, asks and operations are
// ignored until Unban.
func (p *Propagator) Ban(peerID string, reason string) {
	p.mu.Lock()
	p.banned[peerID] = true
	p.mu.Unlock()
	p.logger.Warnf("protocol propagation: banning peer %s: %s", peerID, reason)
}

// Unban lifts a ban placed by Ban.
func (p *Propagator) Unban(peerID string) {
	p.mu.Lock()
	delete(p.banned, peerID)
	p.mu.Unlock()
}

// encodeIDs/decodeIDs are the batch payload's wire form: a flat
// concatenation of 32-byte ids, matching wire_codec.go's preference for
// fixed-width fields over a length-prefixed structure when every element is
// the same size.
func encodeIDs(ids []OperationId) []byte {
	out := make([]byte, 0, len(ids)*32)
	for _, id := range ids {
		out = append(out, id[:]...)
	}
	return out
}

func decodeIDs(body []byte) ([]OperationId, error) {
	if len(body)%32 != 0 {
		return nil, fmt.Errorf("%w: operation id batch has odd length %d", ErrParsing, len(body))
	}
	ids := make([]OperationId, 0, len(body)/32)
	for i := 0; i < len(body); i += 32 {
		var id OperationId
		copy(id[:], body[i:i+32])
		ids = append(ids, id)
	}
	return ids, nil
}

// AnnounceOperation is called once an operation has been verified and added
// to the pool locally (e.g. received from a client or produced by this
// node); it propagates the id to peers that have not yet seen it.
func (p *Propagator) AnnounceOperation(id OperationId) {
	p.markSeen("", id) // records nothing: markSeen ignores the empty peer id
	p.propagateBatch([]OperationId{id})
}

func (p *Propagator) markSeen(peerID string, id OperationId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peerID == "" {
		return
	}
	set, ok := p.seenBy[peerID]
	if !ok {
		set = map[OperationId]bool{}
		p.seenBy[peerID] = set
	}
	set[id] = true
}

func (p *Propagator) hasSeen(peerID string, id OperationId) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seenBy[peerID][id]
}

// propagateBatch sends ids, batched up to cfg.MaxOperationsPerBatch, to a
// fanout sample of peers that have not already been recorded as having seen
// every id in the batch.
func (p *Propagator) propagateBatch(ids []OperationId) {
	if len(ids) == 0 {
		return
	}
	maxBatch := p.cfg.MaxOperationsPerBatch
	if maxBatch <= 0 {
		maxBatch = len(ids)
	}
	peers := p.pm.Sample(p.cfg.Fanout)
	for start := 0; start < len(ids); start += maxBatch {
		end := start + maxBatch
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		payload := encodeIDs(chunk)
		for _, peerID := range peers {
			if p.IsBanned(peerID) {
				continue
			}
			allSeen := true
			for _, id := range chunk {
				if !p.hasSeen(peerID, id) {
					allSeen = false
					break
				}
			}
			if allSeen {
				continue
			}
			if err := p.pm.SendAsync(peerID, propagationProtocolID, byte(propMsgBatch), payload); err != nil {
				p.logger.Warnf("protocol propagation: send batch to %s: %v", peerID, err)
			}
		}
	}
}

// handleBatch is the receive side of batch gossip: for each id in the batch this
// node does not already know, either ask the sender immediately (if nobody
// has been asked yet) or, if another peer is already being waited on,
// record the sender as a fallback candidate and schedule a delayed ask.
func (p *Propagator) handleBatch(peerID string, body []byte) {
	ids, err := decodeIDs(body)
	if err != nil {
		p.Ban(peerID, err.Error())
		return
	}
	for _, id := range ids {
		p.markSeen(peerID, id)
	}

	var toAskNow []OperationId
	var toBuffer []OperationId

	p.mu.Lock()
	for _, id := range ids {
		if p.checked[id] || p.pool.Has(id) {
			continue
		}
		if e, ok := p.asked[id]; ok {
			e.peers[peerID] = true
			toBuffer = append(toBuffer, id)
			continue
		}
		p.asked[id] = &askedEntry{askedAt: time.Now(), peers: map[string]bool{peerID: true}}
		toAskNow = append(toAskNow, id)
	}
	p.mu.Unlock()

	if len(toAskNow) > 0 {
		p.sendAsk(peerID, toAskNow)
	}
	if len(toBuffer) > 0 {
		p.bufferDelayedAsk(peerID, toBuffer)
	}
}

func (p *Propagator) sendAsk(peerID string, ids []OperationId) {
	if err := p.pm.SendAsync(peerID, propagationProtocolID, byte(propMsgAsk), encodeIDs(ids)); err != nil {
		p.logger.Warnf("protocol propagation: ask %s: %v", peerID, err)
	}
}

// bufferDelayedAsk queues ids for a delayed ask to peerID once
// cfg.BatchProcPeriod elapses, in case the peer already being waited on
// never answers.
func (p *Propagator) bufferDelayedAsk(peerID string, ids []OperationId) {
	period := p.cfg.BatchProcPeriod
	if period <= 0 {
		period = time.Second
	}

	p.mu.Lock()
	existing, ok := p.buffer[peerID]
	if ok {
		existing.ids = append(existing.ids, ids...)
		p.mu.Unlock()
		return
	}
	b := &bufferedBatch{ids: append([]OperationId{}, ids...), deadline: time.Now().Add(period)}
	p.buffer[peerID] = b
	p.mu.Unlock()

	b.timer = time.AfterFunc(period, func() { p.flushBuffer(peerID) })
}

// flushBuffer asks peerID for whatever ids in its buffered batch are still
// unknown once the delay has elapsed.
func (p *Propagator) flushBuffer(peerID string) {
	p.mu.Lock()
	b, ok := p.buffer[peerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.buffer, peerID)
	var stillUnknown []OperationId
	for _, id := range b.ids {
		if p.checked[id] || p.pool.Has(id) {
			continue
		}
		if e, exists := p.asked[id]; exists {
			e.peers[peerID] = true
		} else {
			p.asked[id] = &askedEntry{askedAt: time.Now(), peers: map[string]bool{peerID: true}}
		}
		stillUnknown = append(stillUnknown, id)
	}
	p.mu.Unlock()

	if len(stillUnknown) > 0 {
		p.sendAsk(peerID, stillUnknown)
	}
}

func (p *Propagator) handleAsk(peerID string, body []byte) {
	ids, err := decodeIDs(body)
	if err != nil {
		p.Ban(peerID, err.Error())
		return
	}
	var raws [][]byte
	for _, id := range ids {
		op, ok := p.pool.Get(id)
		if !ok {
			continue
		}
		raw, err := op.EncodeRLP()
		if err != nil {
			p.logger.Warnf("protocol propagation: encode operation %s for %s: %v", id.Short(), peerID, err)
			continue
		}
		raws = append(raws, raw)
	}
	if len(raws) == 0 {
		return
	}
	payload, err := rlp.EncodeToBytes(raws)
	if err != nil {
		p.logger.Warnf("protocol propagation: encode operation batch for %s: %v", peerID, err)
		return
	}
	if err := p.pm.SendAsync(peerID, propagationProtocolID, byte(propMsgOps), payload); err != nil {
		p.logger.Warnf("protocol propagation: send operations to %s: %v", peerID, err)
	}
}

// handleOps verifies each received operation's signature and id, records it
// in checked_operations, forwards it to the pool, and re-propagates its id
// to peers that have not yet seen it. A peer that sends a malformed
// operation (one that fails signature or id verification) is banned.
func (p *Propagator) handleOps(peerID string, body []byte) {
	var raws [][]byte
	if err := rlp.DecodeBytes(body, &raws); err != nil {
		p.Ban(peerID, fmt.Sprintf("malformed operation list: %v", err))
		return
	}

	var newIDs []OperationId
	for _, raw := range raws {
		op, err := DecodeOperation(raw)
		if err != nil {
			p.Ban(peerID, fmt.Sprintf("undecodable operation: %v", err))
			continue
		}
		if err := VerifyOperation(op); err != nil {
			p.Ban(peerID, fmt.Sprintf("operation signature invalid: %v", err))
			continue
		}
		id, err := op.ID()
		if err != nil {
			p.Ban(peerID, fmt.Sprintf("operation id: %v", err))
			continue
		}

		p.mu.Lock()
		alreadyChecked := p.checked[id]
		p.checked[id] = true
		delete(p.asked, id)
		p.mu.Unlock()
		p.markSeen(peerID, id)
		if alreadyChecked {
			continue
		}

		if err := p.pool.Add(op); err != nil {
			p.logger.Warnf("protocol propagation: pool rejected operation %s: %v", id.Short(), err)
			continue
		}
		newIDs = append(newIDs, id)
	}

	if len(newIDs) > 0 {
		p.propagateBatch(newIDs)
	}
}

// InMemoryOperationPool is a minimal OperationPool suitable for a single
// node process; it has no persistence or expiry beyond what callers manage
// externally.
type InMemoryOperationPool struct {
	mu  sync.RWMutex
	ops map[OperationId]*Operation
}

// NewInMemoryOperationPool builds an empty pool.
func NewInMemoryOperationPool() *InMemoryOperationPool {
	return &InMemoryOperationPool{ops: map[OperationId]*Operation{}}
}

func (pool *InMemoryOperationPool) Add(op *Operation) error {
	id, err := op.ID()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialize, err)
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.ops[id] = op
	return nil
}

func (pool *InMemoryOperationPool) Has(id OperationId) bool {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	_, ok := pool.ops[id]
	return ok
}

func (pool *InMemoryOperationPool) Get(id OperationId) (*Operation, bool) {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	op, ok := pool.ops[id]
	return op, ok
}

// Snapshot returns every operation currently held, e.g. for the execution
// scheduler to pick a slot's worth of work from.
func (pool *InMemoryOperationPool) Snapshot() []*Operation {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	out := make([]*Operation, 0, len(pool.ops))
	for _, op := range pool.ops {
		out = append(out, op)
	}
	return out
}

var _ OperationPool = (*InMemoryOperationPool)(nil)
