package core

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"
)

// bootstrap_client.go implements the client half of bootstrap: dial a
// bootstrap server, learn the time, peers and consensus state, then page
// through the final ledger until caught up.

// BootstrapClientConfig mirrors pkg/config.Config's Bootstrap section.
type BootstrapClientConfig struct {
	ConnectTimeout time.Duration
	RetryDelay     time.Duration
	MaxPing        time.Duration
	LedgerPartSize int
}

// BootstrapClient drives a fresh node's catch-up sequence against a single
// bootstrap server.
type BootstrapClient struct {
	cfg    BootstrapClientConfig
	node   *Node
	graph  *BlockGraph
	ledger *FinalLedger
	rolls  *RollManager
	clock  *SlotClock
	logger *logrus.Logger
}

// NewBootstrapClient wires a bootstrap client over an already-running Node.
func NewBootstrapClient(cfg BootstrapClientConfig, node *Node, graph *BlockGraph, ledger *FinalLedger, rolls *RollManager, clock *SlotClock, logger *logrus.Logger) *BootstrapClient {
	return &BootstrapClient{cfg: cfg, node: node, graph: graph, ledger: ledger, rolls: rolls, clock: clock, logger: logger}
}

// Bootstrap dials addr and runs the full catch-up sequence, retrying once
// after cfg.RetryDelay on failure.
func (c *BootstrapClient) Bootstrap(ctx context.Context, addr string) error {
	err := c.attempt(ctx, addr)
	if err == nil {
		return nil
	}
	c.logger.Warnf("bootstrap: first attempt against %s failed: %v, retrying", addr, err)
	select {
	case <-time.After(c.cfg.RetryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.attempt(ctx, addr)
}

func (c *BootstrapClient) attempt(ctx context.Context, addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("%w: invalid bootstrap address %s: %v", ErrParsing, addr, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := c.node.host.Connect(connectCtx, *pi); err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	stream, err := c.node.host.NewStream(connectCtx, pi.ID, protocol.ID(bootstrapProtocolID))
	if err != nil {
		return fmt.Errorf("open bootstrap stream to %s: %w", addr, err)
	}
	defer stream.Close()

	hello := BootstrapVersionMsg{Version: BootstrapVersion}
	if err := WriteMessage(stream, MsgTagBootstrapVersion, hello.Encode()); err != nil {
		return fmt.Errorf("write version handshake: %w", err)
	}
	tSend := time.Now()

	br := bufio.NewReader(stream)

	if err := c.readTime(br, tSend); err != nil {
		return err
	}
	if err := c.readPeers(br); err != nil {
		return err
	}
	if err := c.readConsensusState(br); err != nil {
		return err
	}
	header, err := c.readFinalState(br)
	if err != nil {
		return err
	}
	return c.pageLedger(stream, br, header)
}

// readTime completes the handshake: it measures the round-trip from the
// version hello at tSend to the server's time message, rejects incompatible
// versions and over-budget pings, and installs the signed clock
// compensation server_time - (t_recv - ping/2) on the slot clock.
func (c *BootstrapClient) readTime(br *bufio.Reader, tSend time.Time) error {
	tag, body, err := ReadMessage(br)
	if err != nil {
		return fmt.Errorf("read time message: %w", err)
	}
	tRecv := time.Now()
	if tag == MsgTagBootstrapError {
		msg, _ := DecodeBootstrapErrorMsg(body)
		return fmt.Errorf("%w: %s", ErrReceivedError, msg.Message)
	}
	if tag != MsgTagBootstrapTime {
		return fmt.Errorf("%w: expected time message, got tag %d", ErrParsing, tag)
	}
	t, err := DecodeBootstrapTimeMsg(body)
	if err != nil {
		return err
	}
	if !versionsCompatible(t.Version, BootstrapVersion) {
		return fmt.Errorf("%w: server %q, client %q", ErrIncompatibleVersion, t.Version, BootstrapVersion)
	}
	ping := tRecv.Sub(tSend)
	if c.cfg.MaxPing > 0 && ping > c.cfg.MaxPing {
		return fmt.Errorf("%w: ping %s exceeds limit %s", ErrTimedOut, ping, c.cfg.MaxPing)
	}
	serverNow := time.UnixMilli(t.ServerUnixMillis)
	compensation := serverNow.Sub(tRecv.Add(-ping / 2))
	c.clock.SetCompensation(compensation)
	return nil
}

func (c *BootstrapClient) readPeers(br *bufio.Reader) error {
	tag, body, err := ReadMessage(br)
	if err != nil {
		return fmt.Errorf("read peers message: %w", err)
	}
	if tag != MsgTagBootstrapPeers {
		return fmt.Errorf("%w: expected peers message, got tag %d", ErrParsing, tag)
	}
	peers, err := DecodeBootstrapPeersMsg(body)
	if err != nil {
		return err
	}
	for _, addr := range peers.Addrs {
		if pi, err := peer.AddrInfoFromString(addr); err == nil {
			c.node.peerLock.Lock()
			c.node.peers[NodeID(pi.ID.String())] = &Peer{ID: NodeID(pi.ID.String()), Addr: addr}
			c.node.peerLock.Unlock()
		}
	}
	return nil
}

func (c *BootstrapClient) readConsensusState(br *bufio.Reader) error {
	tag, body, err := ReadMessage(br)
	if err != nil {
		return fmt.Errorf("read consensus state message: %w", err)
	}
	if tag != MsgTagConsensusState {
		return fmt.Errorf("%w: expected consensus state message, got tag %d", ErrParsing, tag)
	}
	state, err := DecodeConsensusStateMsg(body)
	if err != nil {
		return err
	}
	c.graph.FromBootstrapState(state.Graph)
	c.rolls.Import(state.Stake)
	return nil
}

// readFinalState reads the snapshot header announcing the settled slot and
// entry count the page loop will deliver.
func (c *BootstrapClient) readFinalState(br *bufio.Reader) (FinalStateMsg, error) {
	tag, body, err := ReadMessage(br)
	if err != nil {
		return FinalStateMsg{}, fmt.Errorf("read final state: %w", err)
	}
	if tag != MsgTagFinalState {
		return FinalStateMsg{}, fmt.Errorf("%w: expected final state message, got tag %d", ErrParsing, tag)
	}
	return DecodeFinalStateMsg(body)
}

// pageLedger repeatedly asks for the next ledger part until the server
// marks a response as the final page, then replaces the local ledger with
// the accumulated snapshot in one atomic swap.
func (c *BootstrapClient) pageLedger(stream network.Stream, br *bufio.Reader, header FinalStateMsg) error {
	var after *Address
	entries := make([]AddressEntry, 0, header.EntryCount)

	for {
		ask := AskConsensusLedgerPartMsg{After: after, Size: c.cfg.LedgerPartSize}
		if err := WriteMessage(stream, MsgTagAskConsensusLedgerPart, ask.Encode()); err != nil {
			return fmt.Errorf("write ask-ledger-part: %w", err)
		}
		tag, body, err := ReadMessage(br)
		if err != nil {
			return fmt.Errorf("read ledger part: %w", err)
		}
		if tag != MsgTagResponseLedgerPart {
			return fmt.Errorf("%w: expected ledger part message, got tag %d", ErrParsing, tag)
		}
		resp, err := DecodeResponseConsensusLedgerPartMsg(body)
		if err != nil {
			return err
		}
		if resp.Slot != header.Slot {
			return fmt.Errorf("%w: ledger page slot %s does not match announced snapshot slot %s", ErrInconsistency, resp.Slot, header.Slot)
		}
		page := resp.SortedEntries()
		entries = append(entries, page...)
		if resp.End {
			break
		}
		if len(page) == 0 {
			return fmt.Errorf("%w: ledger part page empty but not marked final", ErrInconsistency)
		}
		last := page[len(page)-1].Address
		after = &last
	}

	if uint64(len(entries)) != header.EntryCount {
		return fmt.Errorf("%w: received %d ledger entries, snapshot announced %d", ErrInconsistency, len(entries), header.EntryCount)
	}
	return c.ledger.FromBootstrapState(&FinalLedgerBootstrap{Slot: header.Slot, Entries: entries})
}
