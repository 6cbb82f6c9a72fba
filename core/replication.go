package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// replication.go implements block gossip: flooding newly-added blocks to a
// sample of peers as inventory, and serving/requesting full blocks on
// demand. Bootstrap (bootstrap_server.go/bootstrap_client.go) is responsible
// for full historical transfer; this subsystem only carries new blocks as
// the graph grows, the usual inv/getdata/block split.

type replMsgType uint8

const (
	replMsgInv      replMsgType = iota + 1 // inventory: block ids only
	replMsgGetData                         // request full block by id
	replMsgBlock                           // full RLP-encoded block
)

const replicationProtocolID = "/synnergy/repl/1"

// ReplicationConfig tunes gossip fanout and request timeouts.
type ReplicationConfig struct {
	Fanout         int
	RequestTimeout time.Duration
}

// Replicator gossips newly-finalized-or-active blocks and answers peer
// requests for blocks it already holds, reading and writing through a
// BlockGraph.
type Replicator struct {
	cfg    ReplicationConfig
	logger *logrus.Logger
	graph  *BlockGraph
	clock  *SlotClock
	pm     PeerManager

	wg      sync.WaitGroup
	closing chan struct{}
}

// NewReplicator wires the subsystem together. clock supplies the "now" slot
// AddBlock needs to decide whether an incoming block is premature.
func NewReplicator(cfg ReplicationConfig, logger *logrus.Logger, graph *BlockGraph, clock *SlotClock, pm PeerManager) *Replicator {
	return &Replicator{
		cfg:     cfg,
		logger:  logger,
		graph:   graph,
		clock:   clock,
		pm:      pm,
		closing: make(chan struct{}),
	}
}

// Start launches the read loop over the replication protocol's inbound
// channel.
func (r *Replicator) Start() {
	sub := r.pm.Subscribe(replicationProtocolID)
	r.wg.Add(1)
	go r.readLoop(sub)
}

// Stop terminates the read loop and releases the subscription.
func (r *Replicator) Stop() {
	close(r.closing)
	r.pm.Unsubscribe(replicationProtocolID)
	r.wg.Wait()
}

func (r *Replicator) readLoop(sub <-chan InboundMsg) {
	defer r.wg.Done()
	for {
		select {
		case <-r.closing:
			return
		case m, ok := <-sub:
			if !ok {
				return
			}
			if len(m.Payload) == 0 {
				continue
			}
			go r.handleMsg(m.PeerID, replMsgType(m.Payload[0]), m.Payload[1:])
		}
	}
}

func (r *Replicator) handleMsg(peerID string, kind replMsgType, body []byte) {
	switch kind {
	case replMsgInv:
		r.handleInv(peerID, body)
	case replMsgGetData:
		r.handleGetData(peerID, body)
	case replMsgBlock:
		r.handleBlock(peerID, body)
	default:
		r.logger.Warnf("replication: unknown message kind %d from %s", kind, peerID)
	}
}

// ReplicateBlock is called once a block has been added to the graph; it
// floods the block's id as inventory to a random sample of peers.
func (r *Replicator) ReplicateBlock(id BlockId) {
	peers := r.pm.Sample(r.cfg.Fanout)
	for _, p := range peers {
		if err := r.pm.SendAsync(p, replicationProtocolID, byte(replMsgInv), id[:]); err != nil {
			r.logger.Warnf("replication: send inv to %s failed: %v", p, err)
		}
	}
	r.logger.Debugf("replication: disseminated inv %x to %d peers", id[:4], len(peers))
}

// RequestMissing asks a sample of peers for a block this node doesn't have
// yet, returning the first reply received before ctx (or the configured
// timeout) expires.
func (r *Replicator) RequestMissing(ctx context.Context, id BlockId) (*Block, error) {
	if r.graph.HasBlock(id) {
		if b, ok := r.graph.BlockByID(id); ok {
			return b, nil
		}
	}
	peers := r.pm.Sample(r.cfg.Fanout + 1)
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: no peers available to request block %x", ErrNotFound, id[:4])
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	for _, p := range peers {
		if err := r.pm.SendAsync(p, replicationProtocolID, byte(replMsgGetData), id[:]); err != nil {
			r.logger.Warnf("replication: getdata to %s failed: %v", p, err)
		}
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: request for block %x", ErrTimedOut, id[:4])
		case <-ticker.C:
			if b, ok := r.graph.BlockByID(id); ok {
				return b, nil
			}
		}
	}
}

func (r *Replicator) handleInv(peerID string, body []byte) {
	if len(body) != 32 {
		return
	}
	var id BlockId
	copy(id[:], body)
	if r.graph.HasBlock(id) {
		return
	}
	if err := r.pm.SendAsync(peerID, replicationProtocolID, byte(replMsgGetData), id[:]); err != nil {
		r.logger.Warnf("replication: getdata to %s failed: %v", peerID, err)
	}
}

func (r *Replicator) handleGetData(peerID string, body []byte) {
	if len(body) != 32 {
		return
	}
	var id BlockId
	copy(id[:], body)
	b, ok := r.graph.BlockByID(id)
	if !ok {
		return
	}
	raw, err := b.MarshalRLP()
	if err != nil {
		r.logger.Warnf("replication: encode block %x: %v", id[:4], err)
		return
	}
	if err := r.pm.SendAsync(peerID, replicationProtocolID, byte(replMsgBlock), raw); err != nil {
		r.logger.Warnf("replication: send block %x to %s: %v", id[:4], peerID, err)
	}
}

func (r *Replicator) handleBlock(peerID string, body []byte) {
	b, err := DecodeBlockRLP(body)
	if err != nil {
		r.logger.Warnf("replication: decode block from %s: %v", peerID, err)
		return
	}
	id, err := b.ID()
	if err != nil {
		r.logger.Warnf("replication: hash block from %s: %v", peerID, err)
		return
	}
	if r.graph.HasBlock(id) {
		return
	}
	if err := r.graph.AddBlock(b, r.clock.Now(timeNow())); err != nil {
		r.logger.Warnf("replication: add block %x from %s: %v", id[:4], peerID, err)
		return
	}
	r.logger.Debugf("replication: imported block %x from %s", id[:4], peerID)
	if status, ok := r.graph.Status(id); ok && status == StatusWaitingForDependencies {
		for _, pid := range b.Header.Header.Parents {
			if r.graph.HasBlock(pid) {
				continue
			}
			go func(pid BlockId) {
				if _, err := r.RequestMissing(context.Background(), pid); err != nil {
					r.logger.Debugf("replication: fetch missing parent %x: %v", pid[:4], err)
				}
			}(pid)
		}
	}
	r.ReplicateBlock(id)
}

// timeNow is a thin indirection over time.Now so replication's single
// wall-clock read site is easy to spot.
func timeNow() time.Time { return time.Now() }
