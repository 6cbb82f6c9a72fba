package core

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// staking.go holds the staking side of consensus: a rolling window of
// per-cycle roll counts and the deterministic draw that decides which
// staker must produce a given slot. The model is cycle-windowed rather
// than continuously weighted; draws are sampled from past-cycle seeds.

// rollLockAddress is the protocol-level sink that holds coins locked by
// RollBuy until a matching RollSell releases them, derived the same way any
// other content-addressed identifier is, rather than a config value,
// since every node must agree on it without coordination.
var rollLockAddress = Address(HashBytes([]byte("corenode/roll-lock")))

// RollManager tracks live roll counts and the cycle history needed to
// perform deterministic draws a fixed number of cycles in the past.
type RollManager struct {
	mu sync.RWMutex

	periodsPerCycle uint64
	drawLookback    uint64

	rollCounts map[Address]uint64

	// cycleRollCounts and cycleSeeds are the per-cycle snapshots recorded by
	// SnapshotCycle; draws for cycle c are sampled from cycle c-drawLookback's
	// snapshot, so the outcome of a draw can never be influenced by stake
	// changes made after that snapshot was taken.
	cycleRollCounts map[uint64]map[Address]uint64
	cycleSeeds      map[uint64]Hash
}

// NewRollManager builds an empty roll manager. periodsPerCycle groups slots
// into staking cycles; drawLookback is the number of completed cycles back
// a draw's seed and roll snapshot are taken from.
func NewRollManager(periodsPerCycle, drawLookback uint64) *RollManager {
	return &RollManager{
		periodsPerCycle: periodsPerCycle,
		drawLookback:    drawLookback,
		rollCounts:      map[Address]uint64{},
		cycleRollCounts: map[uint64]map[Address]uint64{},
		cycleSeeds:      map[uint64]Hash{},
	}
}

// CycleOf returns the staking cycle a slot belongs to.
func (rm *RollManager) CycleOf(s Slot) uint64 {
	return s.Period / rm.periodsPerCycle
}

// BuyRolls increases addr's live roll count by count.
func (rm *RollManager) BuyRolls(addr Address, count uint64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollCounts[addr] += count
}

// SellRolls decreases addr's live roll count by count, failing if addr does
// not hold that many.
func (rm *RollManager) SellRolls(addr Address, count uint64) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.rollCounts[addr] < count {
		return fmt.Errorf("%w: %s holds %d rolls, cannot sell %d", ErrRuntime, addr, rm.rollCounts[addr], count)
	}
	rm.rollCounts[addr] -= count
	if rm.rollCounts[addr] == 0 {
		delete(rm.rollCounts, addr)
	}
	return nil
}

// RollCountOf returns addr's current live roll count.
func (rm *RollManager) RollCountOf(addr Address) uint64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.rollCounts[addr]
}

// SnapshotCycle freezes the current live roll counts as the record for
// cycle, to be drawn from once drawLookback cycles have elapsed. The block
// graph calls this the first time a block of a cycle later than the last
// snapshotted one goes final, with the hash of that block's id as seed.
func (rm *RollManager) SnapshotCycle(cycle uint64, seed Hash) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	snap := make(map[Address]uint64, len(rm.rollCounts))
	for addr, n := range rm.rollCounts {
		snap[addr] = n
	}
	rm.cycleRollCounts[cycle] = snap
	rm.cycleSeeds[cycle] = seed
}

// DrawAddress deterministically selects the address required to produce
// slot, weighted by roll count in the snapshot taken drawLookback cycles
// before slot's cycle. Every honest node computes the identical result from
// the identical seed and snapshot.
func (rm *RollManager) DrawAddress(slot Slot) (Address, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	cycle := rm.CycleOf(slot)
	if cycle < rm.drawLookback {
		return Address{}, fmt.Errorf("%w: no roll history before cycle %d", ErrNotFound, rm.drawLookback)
	}
	drawCycle := cycle - rm.drawLookback
	seed, ok := rm.cycleSeeds[drawCycle]
	if !ok {
		return Address{}, fmt.Errorf("%w: no seed recorded for cycle %d", ErrNotFound, drawCycle)
	}
	counts, ok := rm.cycleRollCounts[drawCycle]
	if !ok || len(counts) == 0 {
		return Address{}, fmt.Errorf("%w: no rolls recorded for cycle %d", ErrNotFound, drawCycle)
	}

	addrs := make([]Address, 0, len(counts))
	var total uint64
	for addr, n := range counts {
		addrs = append(addrs, addr)
		total += n
	}
	if total == 0 {
		return Address{}, fmt.Errorf("%w: zero total rolls for cycle %d", ErrInconsistency, drawCycle)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })

	mixed := mixSeedAndSlot(seed, slot)
	rng := &unsafeRNG{state: [32]byte(mixed)}
	pick := rng.NextUint64() % total

	var cursor uint64
	for _, addr := range addrs {
		cursor += counts[addr]
		if pick < cursor {
			return addr, nil
		}
	}
	return addrs[len(addrs)-1], nil
}

func mixSeedAndSlot(seed Hash, slot Slot) Hash {
	buf := make([]byte, len(seed)+9)
	copy(buf, seed[:])
	binary.BigEndian.PutUint64(buf[len(seed):], slot.Period)
	buf[len(seed)+8] = slot.Thread
	return HashBytes(buf)
}

// ExportProofOfStake is the bootstrap-transferable snapshot of staking
// state.
type ExportProofOfStake struct {
	RollCounts      map[Address]uint64
	CycleRollCounts map[uint64]map[Address]uint64
	CycleSeeds      map[uint64]Hash
}

// Export snapshots the full staking state for bootstrap transfer.
func (rm *RollManager) Export() *ExportProofOfStake {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := &ExportProofOfStake{
		RollCounts:      map[Address]uint64{},
		CycleRollCounts: map[uint64]map[Address]uint64{},
		CycleSeeds:      map[uint64]Hash{},
	}
	for addr, n := range rm.rollCounts {
		out.RollCounts[addr] = n
	}
	for cycle, snap := range rm.cycleRollCounts {
		cp := make(map[Address]uint64, len(snap))
		for addr, n := range snap {
			cp[addr] = n
		}
		out.CycleRollCounts[cycle] = cp
	}
	for cycle, seed := range rm.cycleSeeds {
		out.CycleSeeds[cycle] = seed
	}
	return out
}

// Import replaces the manager's state with a bootstrap-received export.
func (rm *RollManager) Import(state *ExportProofOfStake) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollCounts = state.RollCounts
	rm.cycleRollCounts = state.CycleRollCounts
	rm.cycleSeeds = state.CycleSeeds
}
