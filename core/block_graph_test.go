package core

import "testing"

// buildGraphBlock signs and returns a block at slot with the given parents.
func buildGraphBlock(t *testing.T, kp *KeyPair, slot Slot, parents []BlockId) *Block {
	t.Helper()
	pub, err := kp.PublicKeyBytes()
	if err != nil {
		t.Fatalf("public key bytes: %v", err)
	}
	header := BlockHeader{
		CreatorPublicKey: pub,
		Slot:             slot,
		Parents:          parents,
	}
	signed, err := SignBlockHeader(kp, header)
	if err != nil {
		t.Fatalf("sign header: %v", err)
	}
	return &Block{Header: signed}
}

// TestBlockGraphGenesisActivatesImmediately covers the base case: a
// zero-parent genesis block at period 0 is accepted and becomes Active.
func TestBlockGraphGenesisActivatesImmediately(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rolls := NewRollManager(10, 2)
	g := NewBlockGraph(2, 3, 10, rolls, nil)

	genesis := buildGraphBlock(t, kp, Slot{Period: 0, Thread: 0}, nil)
	id, _ := genesis.ID()
	if err := g.AddBlock(genesis, Slot{Period: 0, Thread: 0}); err != nil {
		t.Fatalf("add genesis: %v", err)
	}
	status, ok := g.Status(id)
	if !ok || status != StatusActive {
		t.Fatalf("expected genesis to be active, got status=%v ok=%v", status, ok)
	}
}

// TestBlockGraphWaitsForMissingParents covers the WaitingForDependencies
// transition: a block naming an unknown parent is queued, not discarded,
// and activates once the parent arrives.
func TestBlockGraphWaitsForMissingParents(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rolls := NewRollManager(10, 2)
	g := NewBlockGraph(2, 3, 10, rolls, nil)

	g0 := buildGraphBlock(t, kp, Slot{Period: 0, Thread: 0}, nil)
	g1 := buildGraphBlock(t, kp, Slot{Period: 0, Thread: 1}, nil)
	id0, _ := g0.ID()
	id1, _ := g1.ID()

	child := buildGraphBlock(t, kp, Slot{Period: 1, Thread: 0}, []BlockId{id0, id1})
	childID, _ := child.ID()

	now := Slot{Period: 1, Thread: 0}
	if err := g.AddBlock(child, now); err != nil {
		t.Fatalf("add child: %v", err)
	}
	status, _ := g.Status(childID)
	if status != StatusWaitingForDependencies {
		t.Fatalf("expected child to wait on missing parents, got %v", status)
	}

	if err := g.AddBlock(g0, now); err != nil {
		t.Fatalf("add parent g0: %v", err)
	}
	if err := g.AddBlock(g1, now); err != nil {
		t.Fatalf("add parent g1: %v", err)
	}

	status, ok := g.Status(childID)
	if !ok || status != StatusActive {
		t.Fatalf("expected child to activate once parents arrived, got status=%v ok=%v", status, ok)
	}
}

// TestBlockGraphCompatibleDetectsTransitiveForkConflict guards against a
// regression where compatible() only checked same-slot collisions: two
// blocks at different slots but descending from opposite sides of a fork
// must still be marked incompatible, or a clique could merge two
// mutually-exclusive branches of the graph.
func TestBlockGraphCompatibleDetectsTransitiveForkConflict(t *testing.T) {
	kp1, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key 1: %v", err)
	}
	kp2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key 2: %v", err)
	}
	rolls := NewRollManager(100, 0)
	g := NewBlockGraph(2, 1000, 100, rolls, nil)

	g0 := buildGraphBlock(t, kp1, Slot{Period: 0, Thread: 0}, nil)
	g1 := buildGraphBlock(t, kp1, Slot{Period: 0, Thread: 1}, nil)
	id0, _ := g0.ID()
	id1, _ := g1.ID()
	now := Slot{Period: 2, Thread: 0}
	if err := g.AddBlock(g0, now); err != nil {
		t.Fatalf("add g0: %v", err)
	}
	if err := g.AddBlock(g1, now); err != nil {
		t.Fatalf("add g1: %v", err)
	}

	// A and A' are two distinct blocks (different creators) at the same
	// slot, so they are incompatible by the same-slot rule directly.
	a := buildGraphBlock(t, kp1, Slot{Period: 1, Thread: 0}, []BlockId{id0, id1})
	aPrime := buildGraphBlock(t, kp2, Slot{Period: 1, Thread: 0}, []BlockId{id0, id1})
	idA, _ := a.ID()
	idAPrime, _ := aPrime.ID()
	if idA == idAPrime {
		t.Fatalf("test setup: expected distinct block ids for a and a'")
	}
	if err := g.AddBlock(a, now); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := g.AddBlock(aPrime, now); err != nil {
		t.Fatalf("add a': %v", err)
	}

	// B descends from A, at a later slot than a'. B and a' never share a
	// slot directly, but B must still conflict with a' through A.
	b := buildGraphBlock(t, kp1, Slot{Period: 2, Thread: 0}, []BlockId{idA, id1})
	idB, _ := b.ID()
	if err := g.AddBlock(b, now); err != nil {
		t.Fatalf("add b: %v", err)
	}

	if g.compatible(idB, idAPrime, map[BlockId]map[BlockId]bool{}) {
		t.Fatalf("b and a' were reported compatible despite b descending from a, which conflicts with a'")
	}
}

// TestBlockGraphRejectsBlockFromUndrawnStaker covers the staking draw
// check: once a roll snapshot exists for a slot's draw cycle, a block whose
// creator was not the address drawn for that slot must be rejected.
func TestBlockGraphRejectsBlockFromUndrawnStaker(t *testing.T) {
	kpDrawn, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate drawn key: %v", err)
	}
	kpOther, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	pubDrawn, err := kpDrawn.PublicKeyBytes()
	if err != nil {
		t.Fatalf("drawn pubkey: %v", err)
	}
	drawnAddr := NewAddressFromPublicKey(pubDrawn)

	rolls := NewRollManager(10, 0)
	rolls.BuyRolls(drawnAddr, 1)
	rolls.SnapshotCycle(0, HashBytes([]byte("seed")))

	slot := Slot{Period: 1, Thread: 0}
	staker, err := rolls.DrawAddress(slot)
	if err != nil {
		t.Fatalf("draw address: %v", err)
	}
	if staker != drawnAddr {
		t.Fatalf("test setup: expected the single roll holder to be drawn")
	}

	g := NewBlockGraph(2, 1000, 10, rolls, nil)
	bad := buildGraphBlock(t, kpOther, slot, nil)
	if err := g.checkDraw(bad); err == nil {
		t.Fatalf("expected a block from the undrawn staker to be rejected")
	}

	good := buildGraphBlock(t, kpDrawn, slot, nil)
	if err := g.checkDraw(good); err != nil {
		t.Fatalf("expected a block from the drawn staker to pass: %v", err)
	}
}

// TestBlockGraphFinalityPromotesAncestors drives a short single-thread-pair
// chain past the finality threshold and checks that the genesis block (and
// its descendant chain) are promoted to Final and reported through
// onChange's FinalizedBlocks set.
func TestBlockGraphFinalityPromotesAncestors(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rolls := NewRollManager(10, 2)

	var finalized map[Slot]*Block
	g := NewBlockGraph(2, 2, 10, rolls, func(ev BlockCliqueChanged) {
		if len(ev.FinalizedBlocks) > 0 {
			finalized = ev.FinalizedBlocks
		}
	})

	g0 := buildGraphBlock(t, kp, Slot{Period: 0, Thread: 0}, nil)
	g1 := buildGraphBlock(t, kp, Slot{Period: 0, Thread: 1}, nil)
	id0, _ := g0.ID()
	id1, _ := g1.ID()

	now := Slot{Period: 0, Thread: 1}
	if err := g.AddBlock(g0, now); err != nil {
		t.Fatalf("add g0: %v", err)
	}
	if err := g.AddBlock(g1, now); err != nil {
		t.Fatalf("add g1: %v", err)
	}

	var latestByThread [2]BlockId
	latestByThread[0] = id0
	latestByThread[1] = id1
	prevSlot := Slot{Period: 0, Thread: 1}
	for i := 0; i < 6; i++ {
		next := prevSlot.Next(2)
		parents := []BlockId{latestByThread[0], latestByThread[1]}
		blk := buildGraphBlock(t, kp, next, parents)
		id, _ := blk.ID()
		if err := g.AddBlock(blk, next); err != nil {
			t.Fatalf("add block at %s: %v", next, err)
		}
		latestByThread[next.Thread] = id
		prevSlot = next
	}

	if finalized == nil {
		t.Fatalf("expected at least one finalized-block notification after extending the chain")
	}
	genesisFound := false
	for _, blk := range finalized {
		if bid, _ := blk.ID(); bid == id0 {
			genesisFound = true
		}
	}
	if !genesisFound {
		t.Fatalf("expected genesis block g0 to be among the finalized ancestors")
	}
	if status, ok := g.Status(id0); !ok || status != StatusFinal {
		t.Fatalf("expected g0 status to be Final, got %v", status)
	}
}
