package core

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestBootstrapClient(t *testing.T, graph *BlockGraph, rolls *RollManager, clock *SlotClock) *BootstrapClient {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(testDiscard{})
	return NewBootstrapClient(BootstrapClientConfig{
		ConnectTimeout: time.Second,
		RetryDelay:     time.Millisecond,
		MaxPing:        time.Second,
		LedgerPartSize: 100,
	}, nil, graph, nil, rolls, clock, logger)
}

func frameBytes(t *testing.T, tag byte, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteMessage(&buf, tag, body); err != nil {
		t.Fatalf("write message: %v", err)
	}
	return buf.Bytes()
}

// TestBootstrapClientReadTimeSetsCompensation checks that the
// client computes compensation_millis from the server's reported time and
// installs it on the slot clock.
func TestBootstrapClientReadTimeSetsCompensation(t *testing.T) {
	clock := NewSlotClock(time.Unix(1700000000, 0), time.Second, 2)
	c := newTestBootstrapClient(t, nil, nil, clock)

	serverTime := time.Now().Add(5 * time.Second)
	body := BootstrapTimeMsg{ServerUnixMillis: serverTime.UnixMilli(), Version: BootstrapVersion}.Encode()
	r := bufio.NewReader(bytes.NewReader(frameBytes(t, MsgTagBootstrapTime, body)))

	if err := c.readTime(r, time.Now()); err != nil {
		t.Fatalf("readTime: %v", err)
	}

	now := clock.Now(time.Now())
	// With the server 5s ahead, compensation should push the observed slot
	// forward relative to an uncompensated clock.
	uncompensated := NewSlotClock(time.Unix(1700000000, 0), time.Second, 2).Now(time.Now())
	if now.Compare(uncompensated) < 0 {
		t.Fatalf("expected compensation to advance the observed slot, got %s vs uncompensated %s", now, uncompensated)
	}
}

// TestBootstrapClientReadTimeRejectsErrorFrame covers the path where the
// server answers with an immediate error frame.
func TestBootstrapClientReadTimeRejectsErrorFrame(t *testing.T) {
	clock := NewSlotClock(time.Unix(1700000000, 0), time.Second, 2)
	c := newTestBootstrapClient(t, nil, nil, clock)

	body := BootstrapErrorMsg{Message: "no room for you"}.Encode()
	r := bufio.NewReader(bytes.NewReader(frameBytes(t, MsgTagBootstrapError, body)))

	err := c.readTime(r, time.Now())
	if err == nil || !errors.Is(err, ErrReceivedError) {
		t.Fatalf("expected ErrReceivedError, got %v", err)
	}
}

// TestBootstrapClientReadTimeRejectsWrongTag covers the unexpected-message
// path: any tag other than BootstrapError/BootstrapTime at this step is a
// parsing error and the session should be dropped.
func TestBootstrapClientReadTimeRejectsWrongTag(t *testing.T) {
	clock := NewSlotClock(time.Unix(1700000000, 0), time.Second, 2)
	c := newTestBootstrapClient(t, nil, nil, clock)

	body := BootstrapPeersMsg{}.Encode()
	r := bufio.NewReader(bytes.NewReader(frameBytes(t, MsgTagBootstrapPeers, body)))

	err := c.readTime(r, time.Now())
	if err == nil || !errors.Is(err, ErrParsing) {
		t.Fatalf("expected ErrParsing, got %v", err)
	}
}

// TestBootstrapClientReadTimeRejectsIncompatibleVersion: a server speaking
// a different major version is skipped.
func TestBootstrapClientReadTimeRejectsIncompatibleVersion(t *testing.T) {
	clock := NewSlotClock(time.Unix(1700000000, 0), time.Second, 2)
	c := newTestBootstrapClient(t, nil, nil, clock)

	body := BootstrapTimeMsg{ServerUnixMillis: time.Now().UnixMilli(), Version: "SYNN.9.0"}.Encode()
	r := bufio.NewReader(bytes.NewReader(frameBytes(t, MsgTagBootstrapTime, body)))

	err := c.readTime(r, time.Now())
	if err == nil || !errors.Is(err, ErrIncompatibleVersion) {
		t.Fatalf("expected ErrIncompatibleVersion, got %v", err)
	}
}

// TestBootstrapClientReadTimeRejectsSlowPing: a round-trip slower than
// MaxPing drops the session.
func TestBootstrapClientReadTimeRejectsSlowPing(t *testing.T) {
	clock := NewSlotClock(time.Unix(1700000000, 0), time.Second, 2)
	c := newTestBootstrapClient(t, nil, nil, clock)

	body := BootstrapTimeMsg{ServerUnixMillis: time.Now().UnixMilli(), Version: BootstrapVersion}.Encode()
	r := bufio.NewReader(bytes.NewReader(frameBytes(t, MsgTagBootstrapTime, body)))

	err := c.readTime(r, time.Now().Add(-2*time.Second))
	if err == nil || !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

// TestBootstrapClientReadConsensusState exercises the graph/stake import
// path with an empty-but-valid snapshot.
func TestBootstrapClientReadConsensusState(t *testing.T) {
	rolls := NewRollManager(10, 2)
	graph := NewBlockGraph(2, 3, 10, rolls, nil)
	clock := NewSlotClock(time.Unix(1700000000, 0), time.Second, 2)
	c := newTestBootstrapClient(t, graph, rolls, clock)

	msg := ConsensusStateMsg{
		Graph: &BootstrapableGraph{FinalBlocks: map[BlockId]*Block{}},
		Stake: &ExportProofOfStake{
			RollCounts:      map[Address]uint64{{1}: 5},
			CycleRollCounts: map[uint64]map[Address]uint64{},
			CycleSeeds:      map[uint64]Hash{},
		},
	}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode consensus state: %v", err)
	}
	r := bufio.NewReader(bytes.NewReader(frameBytes(t, MsgTagConsensusState, encoded)))

	if err := c.readConsensusState(r); err != nil {
		t.Fatalf("readConsensusState: %v", err)
	}
	if got := rolls.RollCountOf(Address{1}); got != 5 {
		t.Fatalf("expected imported roll count 5, got %d", got)
	}
}
