package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// unsafeRNG is the deterministic 256-bit stream contract code draws from.
// It is seeded per slot from (slot, block id) and is intentionally not
// cryptographically secure: every node must derive the identical stream
// from identical inputs. Each draw hashes the running state with a draw
// counter using SHA-256 and keeps the digest as the new state, rather than
// using a dedicated PRNG dependency.
type unsafeRNG struct {
	state   [32]byte
	counter uint64
}

// newUnsafeRNG seeds a stream from the slot and, when known, the block id
// driving this execution.
func newUnsafeRNG(slot Slot, blockID *BlockId) *unsafeRNG {
	h := sha256.New()
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf, slot.Period)
	buf[8] = slot.Thread
	h.Write(buf)
	if blockID != nil {
		h.Write(blockID[:])
	}
	var r unsafeRNG
	copy(r.state[:], h.Sum(nil))
	return &r
}

// NextUint64 advances the stream and returns the next 64-bit output.
func (r *unsafeRNG) NextUint64() uint64 {
	h := sha256.New()
	h.Write(r.state[:])
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], r.counter)
	h.Write(ctr[:])
	digest := h.Sum(nil)
	copy(r.state[:], digest)
	r.counter++
	return binary.BigEndian.Uint64(digest[:8])
}

// NextBytes fills buf with successive stream outputs.
func (r *unsafeRNG) NextBytes(buf []byte) {
	for i := 0; i < len(buf); i += 8 {
		var chunk [8]byte
		binary.BigEndian.PutUint64(chunk[:], r.NextUint64())
		n := copy(buf[i:], chunk[:])
		_ = n
	}
}

// ExecutionStackElement is one frame of the execution call stack: the
// address the frame is executing as, the coins transferred into this call,
// and the set of addresses this frame is permitted to write to.
type ExecutionStackElement struct {
	Address    Address
	Coins      Amount
	OwnedAddrs map[Address]bool
}

// EventEntry is a single emitted smart-contract event, ordered by the index
// it was created at within the execution.
type EventEntry struct {
	Index uint64
	Slot  Slot
	Data  []byte
}

// EventStore accumulates events emitted during one execution.
type EventStore struct {
	events []EventEntry
}

func (e *EventStore) Emit(idx uint64, slot Slot, data []byte) {
	e.events = append(e.events, EventEntry{Index: idx, Slot: slot, Data: append([]byte{}, data...)})
}

func (e *EventStore) All() []EventEntry { return e.events }

// ExecutionContext is the state of one execution. Exactly one instance
// backs one active execution; it is never shared across goroutines.
type ExecutionContext struct {
	Ledger            *SpeculativeLedger
	MaxGas            uint64
	GasPrice          Amount
	Slot              Slot
	createdAddrIndex  uint64
	createdEventIndex uint64
	OptBlockID        *BlockId
	OptBlockCreator   *Address
	Stack             []ExecutionStackElement
	ReadOnly          bool
	Events            *EventStore
	RNG               *unsafeRNG
	OriginOperationID *OperationId
	gasSpent          uint64
}

// spentGas returns the cumulative gas consumed so far across this execution,
// including any nested calls pushed via PushFrame.
func (c *ExecutionContext) spentGas() uint64 { return c.gasSpent }

// addSpentGas records gas consumed by a call so nested abi_call_sc
// invocations share the same MaxGas budget rather than each getting a fresh
// allowance.
func (c *ExecutionContext) addSpentGas(used uint64) { c.gasSpent += used }

// NewExecutionContext builds a fresh context. The caller frame owns addr
// (e.g. the operation sender).
func NewExecutionContext(ledger *SpeculativeLedger, slot Slot, blockID *BlockId, readOnly bool, initialOwner Address, maxGas uint64, gasPrice Amount) *ExecutionContext {
	return &ExecutionContext{
		Ledger:   ledger,
		MaxGas:   maxGas,
		GasPrice: gasPrice,
		Slot:     slot,
		OptBlockID: blockID,
		Stack: []ExecutionStackElement{{
			Address:    initialOwner,
			Coins:      AmountZero,
			OwnedAddrs: map[Address]bool{initialOwner: true},
		}},
		ReadOnly: readOnly,
		Events:   &EventStore{},
		RNG:      newUnsafeRNG(slot, blockID),
	}
}

// currentFrame returns the top-of-stack frame.
func (c *ExecutionContext) currentFrame() *ExecutionStackElement {
	return &c.Stack[len(c.Stack)-1]
}

// CheckWriteRights enforces that the top frame owns addr.
func (c *ExecutionContext) CheckWriteRights(addr Address) error {
	if !c.currentFrame().OwnedAddrs[addr] {
		return fmt.Errorf("%w: address %s is not writable from the current call frame", ErrRuntime, addr)
	}
	return nil
}

// PushFrame pushes a new frame for a smart-contract call, owning only
// callee. Returns the new frame's depth for PopFrame symmetry checks.
func (c *ExecutionContext) PushFrame(callee Address, coins Amount) int {
	c.Stack = append(c.Stack, ExecutionStackElement{
		Address:    callee,
		Coins:      coins,
		OwnedAddrs: map[Address]bool{callee: true},
	})
	return len(c.Stack)
}

// PopFrame pops the top-of-stack frame after a call returns.
func (c *ExecutionContext) PopFrame() {
	if len(c.Stack) <= 1 {
		return
	}
	c.Stack = c.Stack[:len(c.Stack)-1]
}

// CreateNewSCAddress derives a fresh address for newly deployed bytecode:
// hash of (slot key || created_addr_index || read_only_flag). The
// counter increments on success and the new address is added to the current
// frame's owned set.
func (c *ExecutionContext) CreateNewSCAddress(bytecode []byte) (Address, error) {
	h := sha256.New()
	slotBuf := make([]byte, 9)
	binary.BigEndian.PutUint64(slotBuf, c.Slot.Period)
	slotBuf[8] = c.Slot.Thread
	h.Write(slotBuf)
	idxBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idxBuf, c.createdAddrIndex)
	h.Write(idxBuf)
	if c.ReadOnly {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	addr := Address(sha256.Sum256(h.Sum(nil)))

	if c.Ledger.EntryExists(addr) {
		return Address{}, fmt.Errorf("%w: derived address %s already exists", ErrInconsistency, addr)
	}

	entry := DefaultLedgerEntry()
	entry.Bytecode = append([]byte{}, bytecode...)
	c.Ledger.CreateEntry(addr, entry)

	c.createdAddrIndex++
	c.currentFrame().OwnedAddrs[addr] = true
	return addr, nil
}

// NextEventIndex returns and advances the event counter used to order
// emitted events.
func (c *ExecutionContext) NextEventIndex() uint64 {
	idx := c.createdEventIndex
	c.createdEventIndex++
	return idx
}

// EmitEvent records an event from the currently executing address.
func (c *ExecutionContext) EmitEvent(data []byte) {
	c.Events.Emit(c.NextEventIndex(), c.Slot, data)
}

// TakeChanges finalises the execution, returning the accumulated
// LedgerChanges. Read-only executions must not call this; use
// DiscardChanges instead.
func (c *ExecutionContext) TakeChanges() LedgerChanges {
	return c.Ledger.TakeChanges()
}

// DiscardChanges drops any pending writes made during a read-only execution.
func (c *ExecutionContext) DiscardChanges() {
	c.Ledger.TakeChanges()
}
