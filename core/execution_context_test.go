package core

import "testing"

// TestReadOnlyExecutionIsolation: a readonly
// execution that credits an address and writes a datastore entry observes
// those values during the call, but discarding its changes on return leaves
// the final ledger (read through a fresh speculative overlay) unaffected.
func TestReadOnlyExecutionIsolation(t *testing.T) {
	ledger := openTestLedger(t)
	addr := Address{5}
	faucet := Address{6}
	key := HashBytes([]byte("k"))
	seedLedger(t, ledger, addr, 10)
	seedLedger(t, ledger, faucet, 5000)

	spec := NewSpeculativeLedger(ledger)
	ctx := NewExecutionContext(spec, Slot{Period: 1, Thread: 0}, nil, true, addr, 1_000_000, NewAmount(1))

	if err := spec.TransferParallelCoins(faucet, addr, NewAmount(1000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	spec.SetDataEntry(addr, key, []byte("v"))

	if got := spec.GetParallelBalance(addr); got.Raw() != 1010 {
		t.Fatalf("mid-call balance = %d, want 1010", got.Raw())
	}
	if !spec.HasDataEntry(addr, key) {
		t.Fatalf("expected mid-call datastore write to be observable")
	}

	ctx.DiscardChanges()

	if got := ledger.GetParallelBalance(addr); got.Raw() != 10 {
		t.Fatalf("post-call final ledger balance = %d, want unchanged 10", got.Raw())
	}
	if ledger.HasDataEntry(addr, key) {
		t.Fatalf("datastore write from readonly execution leaked into final ledger")
	}

	// A fresh speculative overlay built after the discard must also see the
	// pre-call state, since pending was cleared.
	freshSpec := NewSpeculativeLedger(ledger)
	if got := freshSpec.GetParallelBalance(addr); got.Raw() != 10 {
		t.Fatalf("fresh overlay balance = %d, want 10", got.Raw())
	}
	if freshSpec.HasDataEntry(addr, key) {
		t.Fatalf("fresh overlay observes leaked datastore write")
	}
}

// TestCreateNewSCAddressGrantsWriteRights exercises address creation:
// the new address is added to the caller frame's owned set and the counter
// advances on success.
func TestCreateNewSCAddressGrantsWriteRights(t *testing.T) {
	ledger := openTestLedger(t)
	caller := Address{1}
	spec := NewSpeculativeLedger(ledger)
	ctx := NewExecutionContext(spec, Slot{Period: 3, Thread: 1}, nil, false, caller, 1_000_000, NewAmount(1))

	addr, err := ctx.CreateNewSCAddress([]byte("bytecode"))
	if err != nil {
		t.Fatalf("create address: %v", err)
	}
	if err := ctx.CheckWriteRights(addr); err != nil {
		t.Fatalf("expected write rights to the newly created address: %v", err)
	}
	if ctx.createdAddrIndex != 1 {
		t.Fatalf("expected created address counter to advance to 1, got %d", ctx.createdAddrIndex)
	}
	if !spec.EntryExists(addr) {
		t.Fatalf("expected new address to exist in the speculative ledger")
	}
}

// TestCheckWriteRightsRejectsUnownedAddress covers the write-rights policy's
// negative case.
func TestCheckWriteRightsRejectsUnownedAddress(t *testing.T) {
	ledger := openTestLedger(t)
	caller := Address{1}
	other := Address{2}
	spec := NewSpeculativeLedger(ledger)
	ctx := NewExecutionContext(spec, Slot{Period: 1, Thread: 0}, nil, false, caller, 1000, NewAmount(1))

	if err := ctx.CheckWriteRights(other); err == nil {
		t.Fatalf("expected write-rights error for unowned address")
	}
}
