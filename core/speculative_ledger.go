package core

import "fmt"

// SpeculativeLedger is a thin overlay on the final ledger: reads consult
// pending first and fall back to the final ledger snapshot via the
// change-set fallback readers; writes land only in pending until the
// execution step that produced them is itself pushed to the final ledger.
type SpeculativeLedger struct {
	snapshot *FinalLedger
	pending  LedgerChanges
}

// NewSpeculativeLedger builds an overlay on top of snapshot with empty
// pending changes.
func NewSpeculativeLedger(snapshot *FinalLedger) *SpeculativeLedger {
	return &SpeculativeLedger{snapshot: snapshot, pending: NewLedgerChanges()}
}

// GetParallelBalance resolves addr's balance through pending, falling back
// to the settled ledger.
func (s *SpeculativeLedger) GetParallelBalance(addr Address) Amount {
	return s.pending.GetParallelBalanceOrElse(addr, s.snapshot.GetParallelBalance)
}

// GetBytecode resolves addr's bytecode through pending, falling back to the
// settled ledger.
func (s *SpeculativeLedger) GetBytecode(addr Address) []byte {
	return s.pending.GetBytecodeOrElse(addr, s.snapshot.GetBytecode)
}

// EntryExists resolves whether addr exists through pending, falling back to
// the settled ledger.
func (s *SpeculativeLedger) EntryExists(addr Address) bool {
	return s.pending.EntryExistsOrElse(addr, s.snapshot.EntryExists)
}

// GetDataEntry resolves a datastore key through pending, falling back to the
// settled ledger.
func (s *SpeculativeLedger) GetDataEntry(addr Address, key Hash) ([]byte, bool) {
	return s.pending.GetDataEntryOrElse(addr, key, s.snapshot.GetDataEntry)
}

// HasDataEntry resolves datastore-key existence through pending, falling
// back to the settled ledger.
func (s *SpeculativeLedger) HasDataEntry(addr Address, key Hash) bool {
	return s.pending.HasDataEntryOrElse(addr, key, s.snapshot.HasDataEntry)
}

// SetDataEntry records a datastore write in pending.
func (s *SpeculativeLedger) SetDataEntry(addr Address, key Hash, value []byte) {
	s.recordUpdate(addr, func(u *LedgerEntryUpdate) {
		u.Datastore[key] = SetValue(append([]byte{}, value...))
	})
}

// DeleteDataEntry records a datastore deletion in pending.
func (s *SpeculativeLedger) DeleteDataEntry(addr Address, key Hash) {
	s.recordUpdate(addr, func(u *LedgerEntryUpdate) {
		u.Datastore[key] = DeleteValue[[]byte]()
	})
}

// SetBytecode records a bytecode overwrite in pending.
func (s *SpeculativeLedger) SetBytecode(addr Address, code []byte) {
	s.recordUpdate(addr, func(u *LedgerEntryUpdate) {
		u.Bytecode = SetTo(append([]byte{}, code...))
	})
}

// CreateEntry records the creation of a brand-new address with the given
// entry, used when a contract deploys a new address.
func (s *SpeculativeLedger) CreateEntry(addr Address, entry LedgerEntry) {
	s.pending[addr] = s.pending[addr].Apply(
		Set[LedgerEntry, LedgerEntryUpdate](entry),
		applyLedgerEntryUpdate, DefaultLedgerEntry, mergeLedgerEntryUpdates,
	)
}

// setBalance records a definite balance overwrite in pending.
func (s *SpeculativeLedger) setBalance(addr Address, amount Amount) {
	s.recordUpdate(addr, func(u *LedgerEntryUpdate) {
		u.Balance = SetTo(amount)
	})
}

func (s *SpeculativeLedger) recordUpdate(addr Address, mutate func(*LedgerEntryUpdate)) {
	u := NewLedgerEntryUpdate()
	mutate(&u)
	s.pending[addr] = s.pending[addr].Apply(
		Update[LedgerEntry, LedgerEntryUpdate](u),
		applyLedgerEntryUpdate, DefaultLedgerEntry, mergeLedgerEntryUpdates,
	)
}

// TransferParallelCoins debits from and credits to atomically. The caller
// (ExecutionContext) is responsible for the write-rights check; this
// method only performs the balance arithmetic and leaves pending unchanged
// on failure.
func (s *SpeculativeLedger) TransferParallelCoins(from, to Address, amount Amount) error {
	if amount.IsZero() {
		return nil
	}
	fromBal := s.GetParallelBalance(from)
	newFrom, err := fromBal.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: transfer from %s: %v", ErrRuntime, from, err)
	}
	if from == to {
		// debit and credit cancel out; writing either side would double
		// count the amount
		return nil
	}
	toBal := s.GetParallelBalance(to)
	newTo, err := toBal.Add(amount)
	if err != nil {
		return fmt.Errorf("%w: transfer to %s: %v", ErrRuntime, to, err)
	}
	s.setBalance(from, newFrom)
	s.setBalance(to, newTo)
	return nil
}

// ApplyChanges merges an already-produced change-set into pending, layering
// this overlay on top of state accumulated by earlier executions in the
// same step.
func (s *SpeculativeLedger) ApplyChanges(ch LedgerChanges) {
	for addr, change := range ch {
		s.pending[addr] = s.pending[addr].Apply(change, applyLedgerEntryUpdate, DefaultLedgerEntry, mergeLedgerEntryUpdates)
	}
}

// TakeChanges returns and clears the accumulated pending change-set, used
// when an execution step hands its result to the VM driver's step_history.
func (s *SpeculativeLedger) TakeChanges() LedgerChanges {
	out := s.pending
	s.pending = NewLedgerChanges()
	return out
}

// PeekChanges returns the accumulated pending change-set without clearing
// it, used for read-only executions that are discarded on return.
func (s *SpeculativeLedger) PeekChanges() LedgerChanges {
	return s.pending.Clone()
}
