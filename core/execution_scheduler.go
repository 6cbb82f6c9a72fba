package core

import (
	"sync"
)

// execution_scheduler.go turns the block graph's (blockclique,
// finalized_blocks) stream into an ordered sequence of VMDriverCommand
// pushes. It owns lastFinalSlot and lastActiveSlot, the same "one task,
// one channel" shape network.go's Node and replication.go's Replicator
// use.

// BlockCliqueChanged is the event the block graph pushes whenever the
// blockclique or the finalized-block set changes.
type BlockCliqueChanged struct {
	Blockclique     map[Slot]*Block
	FinalizedBlocks map[Slot]*Block
}

// ExecutionScheduler owns the two slot cursors and the map of finalized
// blocks not yet replayed as final.
type ExecutionScheduler struct {
	mu sync.Mutex

	driver *VMDriver
	clock  *SlotClock

	lastFinalSlot  Slot
	lastActiveSlot Slot

	pendingCSSFinalBlocks map[Slot]*Block
	threadCount           uint8
}

// NewExecutionScheduler builds a scheduler for the given driver and clock.
func NewExecutionScheduler(driver *VMDriver, clock *SlotClock, threadCount uint8) *ExecutionScheduler {
	// period 0 holds the genesis blocks, one per thread; both cursors start
	// at the last genesis slot, so the first slot replayed is (1, 0)
	genesisFinal := Slot{Period: 0}
	if threadCount > 0 {
		genesisFinal.Thread = threadCount - 1
	}
	return &ExecutionScheduler{
		driver:                driver,
		clock:                 clock,
		lastFinalSlot:         genesisFinal,
		lastActiveSlot:        genesisFinal,
		pendingCSSFinalBlocks: map[Slot]*Block{},
		threadCount:           threadCount,
	}
}

// OnBlockCliqueChanged reacts to a graph change in four steps: reset the
// worker to final state, replay newly-finalized slots, replay the active
// slots of the new blockclique, then fill misses up to the current
// wall-clock slot. Steps are pushed in strictly increasing slot order.
func (s *ExecutionScheduler) OnBlockCliqueChanged(ev BlockCliqueChanged, now Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 1. Reset.
	s.driver.Submit(VMDriverCommand{Kind: CmdResetToFinalState})
	s.lastActiveSlot = s.lastFinalSlot

	// 2. Process finalized.
	for slot, blk := range ev.FinalizedBlocks {
		if slot.Compare(s.lastActiveSlot) <= 0 {
			continue
		}
		s.pendingCSSFinalBlocks[slot] = blk
	}
	maxFinalSlot := s.lastFinalSlot
	for slot := range s.pendingCSSFinalBlocks {
		if slot.Compare(maxFinalSlot) > 0 {
			maxFinalSlot = slot
		}
	}
	for cur := s.lastFinalSlot.Next(s.threadCount); cur.Compare(maxFinalSlot) <= 0; cur = cur.Next(s.threadCount) {
		if blk, ok := s.pendingCSSFinalBlocks[cur]; ok {
			delete(s.pendingCSSFinalBlocks, cur)
			id, _ := blk.ID()
			s.driver.Submit(VMDriverCommand{Kind: CmdRunFinalStep, Step: ExecutionStep{Slot: cur, Block: blk, BlockID: &id}})
			s.lastActiveSlot, s.lastFinalSlot = cur, cur
			continue
		}
		if s.isMissSceFinal(cur, maxFinalSlot) {
			s.driver.Submit(VMDriverCommand{Kind: CmdRunFinalStep, Step: ExecutionStep{Slot: cur}})
			s.lastActiveSlot, s.lastFinalSlot = cur, cur
			continue
		}
		break
	}

	// 3. Process active.
	sceActive := map[Slot]*Block{}
	for slot, blk := range ev.Blockclique {
		if slot.Compare(s.lastFinalSlot) > 0 {
			sceActive[slot] = blk
		}
	}
	for slot, blk := range s.pendingCSSFinalBlocks {
		if slot.Compare(s.lastFinalSlot) > 0 {
			sceActive[slot] = blk
		}
	}
	maxActiveSlot := s.lastFinalSlot
	for slot := range sceActive {
		if slot.Compare(maxActiveSlot) > 0 {
			maxActiveSlot = slot
		}
	}
	for cur := s.lastFinalSlot.Next(s.threadCount); cur.Compare(maxActiveSlot) <= 0; cur = cur.Next(s.threadCount) {
		blk := sceActive[cur]
		var id *BlockId
		if blk != nil {
			bid, _ := blk.ID()
			id = &bid
		}
		s.driver.Submit(VMDriverCommand{Kind: CmdRunActiveStep, Step: ExecutionStep{Slot: cur, Block: blk, BlockID: id}})
		s.lastActiveSlot = cur
	}

	// 4. Fill misses strictly up to (not including) the wall-clock slot,
	// which may still receive a block.
	for cur := s.lastActiveSlot.Next(s.threadCount); cur.Compare(now) < 0; cur = cur.Next(s.threadCount) {
		s.driver.Submit(VMDriverCommand{Kind: CmdRunActiveStep, Step: ExecutionStep{Slot: cur}})
		s.lastActiveSlot = cur
	}
}

// isMissSceFinal reports whether a later block in the same thread as slot,
// at or before max, already exists in pendingCSSFinalBlocks — i.e. slot is
// known to be a final miss rather than one that may still receive a block.
func (s *ExecutionScheduler) isMissSceFinal(slot Slot, max Slot) bool {
	for other := range s.pendingCSSFinalBlocks {
		if other.Thread == slot.Thread && other.Compare(slot) > 0 && other.Compare(max) <= 0 {
			return true
		}
	}
	return false
}

// LastFinalSlot returns the scheduler's current last_final_slot.
func (s *ExecutionScheduler) LastFinalSlot() Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFinalSlot
}

// LastActiveSlot returns the scheduler's current last_active_slot.
func (s *ExecutionScheduler) LastActiveSlot() Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveSlot
}
