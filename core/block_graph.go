package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// block_graph.go holds the non-discarded-block DAG: clique computation,
// blockclique designation and finality promotion. Blocks live in an arena
// keyed by id (parent and child links are ids, never owning pointers),
// with explicit per-block status and clique/fitness bookkeeping instead of
// a single longest-chain rule.

// BlockStatus is a block's position in the graph state machine.
type BlockStatus int

const (
	StatusIncoming BlockStatus = iota
	StatusWaitingForSlot
	StatusWaitingForDependencies
	StatusActive
	StatusFinal
	StatusDiscarded
)

func (s BlockStatus) String() string {
	switch s {
	case StatusIncoming:
		return "incoming"
	case StatusWaitingForSlot:
		return "waiting_for_slot"
	case StatusWaitingForDependencies:
		return "waiting_for_dependencies"
	case StatusActive:
		return "active"
	case StatusFinal:
		return "final"
	case StatusDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// blockGraphEntry is one arena slot: the block plus its current status and,
// once active, the set of children that reference it as a parent.
type blockGraphEntry struct {
	id            BlockId
	block         *Block
	status        BlockStatus
	discardReason string
	fitness       uint64
	children      map[BlockId]bool
}

// Clique is a maximal set of mutually compatible active blocks.
type Clique struct {
	Blocks  map[BlockId]bool
	Fitness uint64
}

// BlockGraph owns the arena, the waiting sets and the clique/fitness
// bookkeeping, and drives staking cycle snapshots and execution-scheduler
// notifications as blocks are finalized.
type BlockGraph struct {
	mu sync.Mutex

	threadCount       uint8
	finalityThreshold uint64
	periodsPerCycle   uint64

	rolls *RollManager

	entries     map[BlockId]*blockGraphEntry
	waitingSlot map[BlockId]*Block
	waitingDeps map[BlockId]*Block

	cliques        []*Clique
	blockcliqueIdx int

	latestFinalInThread []Slot
	finalBlocks         map[BlockId]*Block
	lastFinalizedCycle  uint64
	haveFinalizedCycle  bool

	onChange func(BlockCliqueChanged)
}

// NewBlockGraph builds an empty graph for a network with the given thread
// count. onChange, if non-nil, is invoked (outside the graph's lock) every
// time AddBlock causes the blockclique or the finalized-block set to
// change, feeding the execution scheduler's BlockCliqueChanged stream.
func NewBlockGraph(threadCount uint8, finalityThreshold, periodsPerCycle uint64, rolls *RollManager, onChange func(BlockCliqueChanged)) *BlockGraph {
	return &BlockGraph{
		threadCount:         threadCount,
		finalityThreshold:   finalityThreshold,
		periodsPerCycle:     periodsPerCycle,
		rolls:               rolls,
		entries:             map[BlockId]*blockGraphEntry{},
		waitingSlot:         map[BlockId]*Block{},
		waitingDeps:         map[BlockId]*Block{},
		latestFinalInThread: make([]Slot, threadCount),
		finalBlocks:         map[BlockId]*Block{},
		onChange:            onChange,
	}
}

// AddBlock validates and inserts b, promoting it (and any blocks it was
// unblocking) through the state machine as far as current knowledge allows.
// now is the caller's current wall-clock slot, used for the future-slot
// check.
func (g *BlockGraph) AddBlock(b *Block, now Slot) error {
	g.mu.Lock()
	var emitted *BlockCliqueChanged
	defer func() {
		g.mu.Unlock()
		if emitted != nil && g.onChange != nil {
			g.onChange(*emitted)
		}
	}()

	id, err := b.ID()
	if err != nil {
		return fmt.Errorf("%w: hash incoming block: %v", ErrParsing, err)
	}
	if _, exists := g.entries[id]; exists {
		return nil
	}

	if err := g.validateHeader(b); err != nil {
		g.entries[id] = &blockGraphEntry{id: id, block: b, status: StatusDiscarded, discardReason: err.Error()}
		return err
	}

	slot := b.Header.Header.Slot
	if slot.Compare(now) > 0 {
		g.waitingSlot[id] = b
		g.entries[id] = &blockGraphEntry{id: id, block: b, status: StatusWaitingForSlot}
		return nil
	}

	if !g.parentsReady(b) {
		g.waitingDeps[id] = b
		g.entries[id] = &blockGraphEntry{id: id, block: b, status: StatusWaitingForDependencies}
		return nil
	}

	changed := g.activate(id, b)
	g.tryUnblockWaiters(now)
	if changed {
		emitted = g.snapshotChangeEvent()
	}
	return nil
}

// Tick re-evaluates the waiting-for-slot set against the caller's advancing
// wall clock, promoting any block whose slot has now arrived.
func (g *BlockGraph) Tick(now Slot) {
	g.mu.Lock()
	var emitted *BlockCliqueChanged
	defer func() {
		g.mu.Unlock()
		if emitted != nil && g.onChange != nil {
			g.onChange(*emitted)
		}
	}()

	changed := false
	for id, b := range g.waitingSlot {
		if b.Header.Header.Slot.Compare(now) > 0 {
			continue
		}
		delete(g.waitingSlot, id)
		if !g.parentsReady(b) {
			g.waitingDeps[id] = b
			g.entries[id].status = StatusWaitingForDependencies
			continue
		}
		if g.activate(id, b) {
			changed = true
		}
	}
	g.tryUnblockWaiters(now)
	if changed {
		emitted = g.snapshotChangeEvent()
	}
}

// validateHeader checks the static well-formedness rules: parents are T
// distinct blocks from distinct threads, all strictly earlier than b's own
// slot, the header's signature is valid, and the creator is the address
// drawn for the slot. The genesis blocks (one per
// thread, slot period 0) are exempt from the parent-count rule; any slot
// whose draw cycle predates the roll snapshot history (RollManager reports
// ErrNotFound) is exempt from the draw check itself, since no node can have
// a roll snapshot for a cycle that existed before staking started.
func (g *BlockGraph) validateHeader(b *Block) error {
	if err := VerifyBlockHeader(b.Header); err != nil {
		return err
	}
	root, err := computeOperationMerkleRoot(b.Operations)
	if err != nil {
		return fmt.Errorf("%w: operation merkle root at %s: %v", ErrSerialize, b.Header.Header.Slot, err)
	}
	if root != b.Header.Header.OperationMerkleRoot {
		return fmt.Errorf("%w: operation merkle root mismatch at %s", ErrParsing, b.Header.Header.Slot)
	}
	if err := g.checkDraw(b); err != nil {
		return err
	}
	for i, end := range b.Header.Header.Endorsements {
		if err := VerifyEndorsement(end); err != nil {
			return fmt.Errorf("%w: endorsement %d on block at %s: %v", ErrParsing, i, b.Header.Header.Slot, err)
		}
	}
	parents := b.Header.Header.Parents
	if b.Header.Header.Slot.Period == 0 {
		if len(parents) != 0 {
			return fmt.Errorf("%w: genesis block at slot %s must have no parents", ErrParsing, b.Header.Header.Slot)
		}
		return nil
	}
	if len(parents) != int(g.threadCount) {
		return fmt.Errorf("%w: block at %s has %d parents, want %d", ErrParsing, b.Header.Header.Slot, len(parents), g.threadCount)
	}
	seenThread := map[uint8]bool{}
	for _, pid := range parents {
		entry, ok := g.entries[pid]
		if ok {
			if entry.block.Header.Header.Slot.Compare(b.Header.Header.Slot) >= 0 {
				return fmt.Errorf("%w: parent %s is not strictly earlier than %s", ErrParsing, pid.Short(), b.Header.Header.Slot)
			}
			if seenThread[entry.block.Header.Header.Slot.Thread] {
				return fmt.Errorf("%w: duplicate parent thread in block at %s", ErrParsing, b.Header.Header.Slot)
			}
			seenThread[entry.block.Header.Header.Slot.Thread] = true
		}
	}
	return nil
}

// checkDraw verifies b's creator is the address RollManager.DrawAddress
// selected for b's slot. A block from an undrawn address must be rejected
// here, before it is ever wired into the graph, or a zero-roll address
// could produce blocks indistinguishable from the drawn staker's.
func (g *BlockGraph) checkDraw(b *Block) error {
	drawn, err := g.rolls.DrawAddress(b.Header.Header.Slot)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	creator := NewAddressFromPublicKey(b.Header.Header.CreatorPublicKey)
	if creator != drawn {
		return fmt.Errorf("%w: block at %s created by %s, drawn staker is %s", ErrInconsistency, b.Header.Header.Slot, creator, drawn)
	}
	return nil
}

// parentsReady reports whether every parent of b is already known and
// either Active or Final.
func (g *BlockGraph) parentsReady(b *Block) bool {
	for _, pid := range b.Header.Header.Parents {
		entry, ok := g.entries[pid]
		if !ok || (entry.status != StatusActive && entry.status != StatusFinal) {
			return false
		}
	}
	return true
}

// tryUnblockWaiters retries every block waiting on dependencies; a single
// arriving block can unblock a chain of descendants so this loops until a
// full pass makes no further progress.
func (g *BlockGraph) tryUnblockWaiters(now Slot) {
	for {
		progressed := false
		for id, b := range g.waitingDeps {
			if !g.parentsReady(b) {
				continue
			}
			delete(g.waitingDeps, id)
			g.activate(id, b)
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

// activate promotes a block to Active, wires it into the children index,
// recomputes cliques and the blockclique, and checks for newly final
// blocks. Returns whether the blockclique or finalized set changed.
func (g *BlockGraph) activate(id BlockId, b *Block) bool {
	// fitness stores the number of endorsements the block carries; every sum
	// over fitness adds 1 for the block itself, so a block weighs 1 plus one
	// per endorsement — validateHeader has already checked every
	// endorsement's signature, so
	// by the time a block reaches Active its Endorsements count is a
	// trustworthy weight, not just a wire-format passenger.
	entry := &blockGraphEntry{id: id, block: b, status: StatusActive, children: map[BlockId]bool{}, fitness: uint64(len(b.Header.Header.Endorsements))}
	g.entries[id] = entry
	for _, pid := range b.Header.Header.Parents {
		if parent, ok := g.entries[pid]; ok {
			if parent.children == nil {
				parent.children = map[BlockId]bool{}
			}
			parent.children[id] = true
		}
	}
	prevClique := ""
	if g.blockcliqueIdx >= 0 && g.blockcliqueIdx < len(g.cliques) {
		prevClique = cliqueKey(g.cliques[g.blockcliqueIdx])
	}
	g.recomputeCliques()
	cliqueChanged := g.blockcliqueIdx >= 0 && g.blockcliqueIdx < len(g.cliques) &&
		cliqueKey(g.cliques[g.blockcliqueIdx]) != prevClique
	finalized := g.checkFinality()
	return cliqueChanged || finalized
}

// recomputeCliques rebuilds the clique partition from scratch over the
// active set; see compatible for the incompatibility rule. At this graph's
// scale a straightforward union-find over pairwise compatibility is
// sufficient; a production-scale graph would maintain this incrementally
// instead of from scratch per block.
func (g *BlockGraph) recomputeCliques() {
	var active []BlockId
	for id, e := range g.entries {
		if e.status == StatusActive {
			active = append(active, id)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Hex() < active[j].Hex() })

	parent := map[BlockId]BlockId{}
	var find func(BlockId) BlockId
	find = func(x BlockId) BlockId {
		if parent[x] == x {
			return x
		}
		parent[x] = find(parent[x])
		return parent[x]
	}
	union := func(a, b BlockId) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}
	for _, id := range active {
		parent[id] = id
	}
	ancestors := map[BlockId]map[BlockId]bool{}
	for i, a := range active {
		for _, b := range active[i+1:] {
			if g.compatible(a, b, ancestors) {
				union(a, b)
			}
		}
	}

	groups := map[BlockId][]BlockId{}
	for _, id := range active {
		root := find(id)
		groups[root] = append(groups[root], id)
	}

	var cliques []*Clique
	for _, members := range groups {
		c := &Clique{Blocks: map[BlockId]bool{}}
		for _, id := range members {
			c.Blocks[id] = true
			c.Fitness += g.entries[id].fitness + 1
		}
		cliques = append(cliques, c)
	}
	g.cliques = cliques
	g.designateBlockclique()
}

// compatible reports whether a and b can coexist in the same clique: they
// must not share a (period, thread), and their ancestries must not collide
// either — if some ancestor of a and some (distinct) ancestor of b occupy
// the same slot, a and b descend from competing forks and are transitively
// incompatible even though a and b themselves sit at different slots.
// ancestors memoizes ancestorsOrSelf across the whole recomputeCliques pass
// since many active blocks share long common prefixes.
func (g *BlockGraph) compatible(a, b BlockId, ancestors map[BlockId]map[BlockId]bool) bool {
	ea, eb := g.entries[a], g.entries[b]
	if ea == nil || eb == nil {
		return false
	}
	if ea.block.Header.Header.Slot == eb.block.Header.Header.Slot {
		return false
	}
	ancA := g.ancestorsOrSelf(a, ancestors)
	ancB := g.ancestorsOrSelf(b, ancestors)
	slotOf := func(id BlockId) Slot { return g.entries[id].block.Header.Header.Slot }
	bySlot := make(map[Slot]BlockId, len(ancB))
	for id := range ancB {
		bySlot[slotOf(id)] = id
	}
	for id := range ancA {
		if other, ok := bySlot[slotOf(id)]; ok && other != id {
			return false
		}
	}
	return true
}

// ancestorsOrSelf returns id and every block reachable by following parent
// links, memoized in ancestors. Unknown parents (discarded or never seen)
// are simply absent from the result rather than erroring, since a missing
// block has no slot to collide on.
func (g *BlockGraph) ancestorsOrSelf(id BlockId, ancestors map[BlockId]map[BlockId]bool) map[BlockId]bool {
	if cached, ok := ancestors[id]; ok {
		return cached
	}
	set := map[BlockId]bool{}
	entry, ok := g.entries[id]
	if !ok {
		ancestors[id] = set
		return set
	}
	set[id] = true
	for _, pid := range entry.block.Header.Header.Parents {
		for anc := range g.ancestorsOrSelf(pid, ancestors) {
			set[anc] = true
		}
	}
	ancestors[id] = set
	return set
}

// designateBlockclique picks the clique with maximum fitness, breaking ties
// by the lexicographically smallest set of block ids (an explicit decision
// recorded for an ambiguity the source left to the implementer).
func (g *BlockGraph) designateBlockclique() {
	if len(g.cliques) == 0 {
		g.blockcliqueIdx = -1
		return
	}
	best := 0
	for i := 1; i < len(g.cliques); i++ {
		if g.cliques[i].Fitness > g.cliques[best].Fitness {
			best = i
			continue
		}
		if g.cliques[i].Fitness == g.cliques[best].Fitness && cliqueKey(g.cliques[i]) < cliqueKey(g.cliques[best]) {
			best = i
		}
	}
	g.blockcliqueIdx = best
}

func cliqueKey(c *Clique) string {
	ids := make([]string, 0, len(c.Blocks))
	for id := range c.Blocks {
		ids = append(ids, id.Hex())
	}
	sort.Strings(ids)
	out := ""
	for _, s := range ids {
		out += s
	}
	return out
}

// checkFinality promotes to Final any blockclique member whose cumulative
// same-thread descendant fitness exceeds finalityThreshold, along with all
// of its ancestors (finalizeWithAncestors snapshots a staking cycle the
// first time a block of that cycle goes final). Returns whether any block
// became final during this call.
func (g *BlockGraph) checkFinality() bool {
	if g.blockcliqueIdx < 0 || g.blockcliqueIdx >= len(g.cliques) {
		return false
	}
	clique := g.cliques[g.blockcliqueIdx]

	any := false
	for id := range clique.Blocks {
		entry := g.entries[id]
		if entry.status != StatusActive {
			continue
		}
		descendantFitness := g.sameThreadDescendantFitness(id, clique)
		if descendantFitness <= g.finalityThreshold {
			continue
		}
		g.finalizeWithAncestors(id)
		any = true
	}
	if any {
		g.pruneDiscardableAncestors()
	}
	return any
}

// sameThreadDescendantFitness sums the fitness of id's descendants within
// clique that share id's thread.
func (g *BlockGraph) sameThreadDescendantFitness(id BlockId, clique *Clique) uint64 {
	entry := g.entries[id]
	thread := entry.block.Header.Header.Slot.Thread
	var total uint64
	visited := map[BlockId]bool{}
	var walk func(BlockId)
	walk = func(cur BlockId) {
		ce := g.entries[cur]
		for child := range ce.children {
			if visited[child] || !clique.Blocks[child] {
				continue
			}
			visited[child] = true
			childEntry := g.entries[child]
			if childEntry.block.Header.Header.Slot.Thread == thread {
				total += childEntry.fitness + 1
			}
			walk(child)
		}
	}
	walk(id)
	return total
}

// finalizeWithAncestors marks id and every not-yet-final ancestor as Final,
// recording each in finalBlocks and advancing latestFinalInThread.
func (g *BlockGraph) finalizeWithAncestors(id BlockId) {
	entry, ok := g.entries[id]
	if !ok || entry.status == StatusFinal {
		return
	}
	entry.status = StatusFinal
	g.finalBlocks[id] = entry.block
	thread := entry.block.Header.Header.Slot.Thread
	if entry.block.Header.Header.Slot.Compare(g.latestFinalInThread[thread]) > 0 {
		g.latestFinalInThread[thread] = entry.block.Header.Header.Slot
	}
	if g.rolls != nil {
		cycle := g.rolls.CycleOf(entry.block.Header.Header.Slot)
		if !g.haveFinalizedCycle || cycle > g.lastFinalizedCycle {
			seed := HashBytes(id[:])
			g.rolls.SnapshotCycle(cycle, seed)
			g.lastFinalizedCycle = cycle
			g.haveFinalizedCycle = true
		}
	}
	for _, pid := range entry.block.Header.Header.Parents {
		g.finalizeWithAncestors(pid)
	}
}

// pruneDiscardableAncestors drops graph entries for blocks that lost the
// race to become final in their slot once every sibling clique containing
// them has been superseded. Discarded blocks may be garbage collected once
// no active block references them; a conservative pass is used here, an
// entry is pruned only once it is Discarded and has no children left in
// the active/final set.
func (g *BlockGraph) pruneDiscardableAncestors() {
	for id, entry := range g.entries {
		if entry.status != StatusDiscarded {
			continue
		}
		hasLiveChild := false
		for child := range entry.children {
			if ce, ok := g.entries[child]; ok && (ce.status == StatusActive || ce.status == StatusFinal) {
				hasLiveChild = true
				break
			}
		}
		if !hasLiveChild {
			delete(g.entries, id)
		}
	}
}

// snapshotChangeEvent builds the BlockCliqueChanged event to push to the
// execution scheduler: the current blockclique's slot-to-block map and the
// full set of blocks that are Final.
func (g *BlockGraph) snapshotChangeEvent() *BlockCliqueChanged {
	ev := &BlockCliqueChanged{
		Blockclique:     map[Slot]*Block{},
		FinalizedBlocks: map[Slot]*Block{},
	}
	if g.blockcliqueIdx >= 0 && g.blockcliqueIdx < len(g.cliques) {
		for id := range g.cliques[g.blockcliqueIdx].Blocks {
			entry := g.entries[id]
			ev.Blockclique[entry.block.Header.Header.Slot] = entry.block
		}
	}
	for _, b := range g.finalBlocks {
		ev.FinalizedBlocks[b.Header.Header.Slot] = b
	}
	return ev
}

// Status returns the current status of a known block, or StatusDiscarded
// with ok=false if id is unknown.
func (g *BlockGraph) Status(id BlockId) (BlockStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[id]
	if !ok {
		return StatusDiscarded, false
	}
	return entry.status, true
}

// BlockByID returns the block stored under id, regardless of status, for
// peers requesting it during gossip-driven sync or RPC lookups.
func (g *BlockGraph) BlockByID(id BlockId) (*Block, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[id]
	if !ok {
		return nil, false
	}
	return entry.block, true
}

// HasBlock reports whether id is already known to the graph, in any status.
func (g *BlockGraph) HasBlock(id BlockId) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.entries[id]
	return ok
}

// Cliques returns a snapshot of the current clique partition for status
// queries.
func (g *BlockGraph) Cliques() []*Clique {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Clique, len(g.cliques))
	copy(out, g.cliques)
	return out
}

// BootstrapableGraph is the portion of graph state exported to a bootstrap
// client: every final block, needed to replay execution from the client's
// own genesis forward.
type BootstrapableGraph struct {
	FinalBlocks map[BlockId]*Block
}

// GetBootstrapState exports the graph's final-block set.
func (g *BlockGraph) GetBootstrapState() *BootstrapableGraph {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := &BootstrapableGraph{FinalBlocks: map[BlockId]*Block{}}
	for id, b := range g.finalBlocks {
		out.FinalBlocks[id] = b
	}
	return out
}

// FromBootstrapState seeds an empty graph directly with a peer's final
// blocks, as a bootstrap client does after receiving the consensus state.
// The blocks are accepted as already-final without re-validation
// since they were retrieved under the bootstrap protocol's own trust model.
func (g *BlockGraph) FromBootstrapState(state *BootstrapableGraph) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, b := range state.FinalBlocks {
		g.entries[id] = &blockGraphEntry{id: id, block: b, status: StatusFinal, children: map[BlockId]bool{}}
		g.finalBlocks[id] = b
		thread := b.Header.Header.Slot.Thread
		if b.Header.Header.Slot.Compare(g.latestFinalInThread[thread]) > 0 {
			g.latestFinalInThread[thread] = b.Header.Header.Slot
		}
	}
	logrus.Infof("block graph: seeded %d final blocks from bootstrap", len(state.FinalBlocks))
}
