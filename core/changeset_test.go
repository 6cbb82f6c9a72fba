package core

import "testing"

// TestChangeSetAssociativity checks (a.b).c == a.(b.c) applied to the same
// initial entry under LedgerEntryChange composition.
func TestChangeSetAssociativity(t *testing.T) {
	a := Set[LedgerEntry, LedgerEntryUpdate](LedgerEntry{ParallelBalance: NewAmount(10), Datastore: map[Hash][]byte{}})
	b := func() LedgerEntryChange {
		u := NewLedgerEntryUpdate()
		u.Balance = SetTo(NewAmount(20))
		return Update[LedgerEntry, LedgerEntryUpdate](u)
	}()
	c := Delete[LedgerEntry, LedgerEntryUpdate]()

	left := a.Apply(b, applyLedgerEntryUpdate, DefaultLedgerEntry, mergeLedgerEntryUpdates).
		Apply(c, applyLedgerEntryUpdate, DefaultLedgerEntry, mergeLedgerEntryUpdates)

	bc := b.Apply(c, applyLedgerEntryUpdate, DefaultLedgerEntry, mergeLedgerEntryUpdates)
	right := a.Apply(bc, applyLedgerEntryUpdate, DefaultLedgerEntry, mergeLedgerEntryUpdates)

	if left.IsDelete() != right.IsDelete() || left.IsSet() != right.IsSet() || left.IsUpdate() != right.IsUpdate() {
		t.Fatalf("associativity violated: kinds differ: left=%v right=%v", left, right)
	}
	if left.IsSet() {
		le, re := left.SetValue(), right.SetValue()
		if le.ParallelBalance != re.ParallelBalance {
			t.Fatalf("associativity violated: balances differ: %v vs %v", le.ParallelBalance, re.ParallelBalance)
		}
	}
}

// TestChangeSetDeleteThenUpdateResurrects: Set{balance=10,bytecode="x"},
// Update{balance=20,bytecode=Keep}, Delete, Update{balance=5} resolves to
// Set{balance=5, bytecode=empty, datastore=empty}.
func TestChangeSetDeleteThenUpdateResurrects(t *testing.T) {
	start := Set[LedgerEntry, LedgerEntryUpdate](LedgerEntry{
		ParallelBalance: NewAmount(10),
		Bytecode:        []byte("x"),
		Datastore:       map[Hash][]byte{},
	})

	u1 := NewLedgerEntryUpdate()
	u1.Balance = SetTo(NewAmount(20))
	step1 := start.Apply(Update[LedgerEntry, LedgerEntryUpdate](u1), applyLedgerEntryUpdate, DefaultLedgerEntry, mergeLedgerEntryUpdates)

	step2 := step1.Apply(Delete[LedgerEntry, LedgerEntryUpdate](), applyLedgerEntryUpdate, DefaultLedgerEntry, mergeLedgerEntryUpdates)

	u3 := NewLedgerEntryUpdate()
	u3.Balance = SetTo(NewAmount(5))
	final := step2.Apply(Update[LedgerEntry, LedgerEntryUpdate](u3), applyLedgerEntryUpdate, DefaultLedgerEntry, mergeLedgerEntryUpdates)

	if !final.IsSet() {
		t.Fatalf("expected final result to be Set, got kind with IsUpdate=%v IsDelete=%v", final.IsUpdate(), final.IsDelete())
	}
	entry := final.SetValue()
	if entry.ParallelBalance != NewAmount(5) {
		t.Fatalf("expected balance=5, got %v", entry.ParallelBalance)
	}
	if len(entry.Bytecode) != 0 {
		t.Fatalf("expected empty bytecode, got %q", entry.Bytecode)
	}
	if len(entry.Datastore) != 0 {
		t.Fatalf("expected empty datastore, got %v", entry.Datastore)
	}
}

// TestLedgerChangesApplyAssociativity exercises the same law through the
// map-level LedgerChanges.Apply used to pre-merge changes before a batch.
func TestLedgerChangesApplyAssociativity(t *testing.T) {
	addr := Address{1, 2, 3}

	a := NewLedgerChanges()
	a[addr] = Set[LedgerEntry, LedgerEntryUpdate](LedgerEntry{ParallelBalance: NewAmount(1), Datastore: map[Hash][]byte{}})

	b := NewLedgerChanges()
	u := NewLedgerEntryUpdate()
	u.Balance = SetTo(NewAmount(2))
	b[addr] = Update[LedgerEntry, LedgerEntryUpdate](u)

	c := NewLedgerChanges()
	u2 := NewLedgerEntryUpdate()
	u2.Balance = SetTo(NewAmount(3))
	c[addr] = Update[LedgerEntry, LedgerEntryUpdate](u2)

	left := a.Clone().Apply(b.Clone()).Apply(c.Clone())

	bc := b.Clone().Apply(c.Clone())
	right := a.Clone().Apply(bc)

	lv := left[addr].SetValue().ParallelBalance
	rv := right[addr].SetValue().ParallelBalance
	if lv != rv {
		t.Fatalf("associativity violated at map level: %v vs %v", lv, rv)
	}
	if lv != NewAmount(3) {
		t.Fatalf("expected final balance 3, got %v", lv)
	}
}

// TestSetUpdateOrDeleteZeroValueIsAbsentNotSet guards against sudKind's zero
// value aliasing sudSet: a map-miss on a LedgerChanges/pending map yields a
// zero-value SetUpdateOrDelete, and applying an Update onto it must produce
// a plain Update (so a later merge with an existing ledger entry still
// happens field-by-field), never a Set carrying a default-value entry.
func TestSetUpdateOrDeleteZeroValueIsAbsentNotSet(t *testing.T) {
	var absent LedgerEntryChange // map-miss zero value

	u := NewLedgerEntryUpdate()
	u.Balance = SetTo(NewAmount(5))
	result := absent.Apply(Update[LedgerEntry, LedgerEntryUpdate](u), applyLedgerEntryUpdate, DefaultLedgerEntry, mergeLedgerEntryUpdates)

	if !result.IsUpdate() {
		t.Fatalf("expected Update onto an absent entry to stay an Update, got Set=%v Delete=%v", result.IsSet(), result.IsDelete())
	}
	if !result.UpdateValue().Balance.IsSet() || result.UpdateValue().Balance.Value() != NewAmount(5) {
		t.Fatalf("expected the recorded update to carry balance=5, got %v", result.UpdateValue().Balance)
	}
}

// TestFallbackReadersConsultElseOnUndetermined verifies the fallback
// readers call elseFn only when the change-set doesn't resolve the
// question on its own.
func TestFallbackReadersConsultElseOnUndetermined(t *testing.T) {
	addr := Address{9}
	ch := NewLedgerChanges()
	u := NewLedgerEntryUpdate()
	u.Bytecode = SetTo([]byte("code"))
	ch[addr] = Update[LedgerEntry, LedgerEntryUpdate](u)

	calledBalance := false
	bal := ch.GetParallelBalanceOrElse(addr, func(Address) Amount {
		calledBalance = true
		return NewAmount(42)
	})
	if !calledBalance || bal != NewAmount(42) {
		t.Fatalf("expected fallback to be consulted for undetermined balance, got %v called=%v", bal, calledBalance)
	}

	calledBytecode := false
	code := ch.GetBytecodeOrElse(addr, func(Address) []byte {
		calledBytecode = true
		return nil
	})
	if calledBytecode {
		t.Fatalf("bytecode was determined by the change-set; fallback should not be called")
	}
	if string(code) != "code" {
		t.Fatalf("expected bytecode 'code', got %q", code)
	}
}
