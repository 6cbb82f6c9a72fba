package core

import "sort"

// LedgerEntry is the full state held at one address. The invariant that
// an address is either fully present or fully absent is enforced by never
// constructing a LedgerEntry with a subset of fields populated outside of
// DefaultLedgerEntry().
type LedgerEntry struct {
	ParallelBalance Amount
	Bytecode        []byte
	Datastore       map[Hash][]byte
}

// DefaultLedgerEntry returns the zero entry: zero balance, empty bytecode,
// empty datastore.
func DefaultLedgerEntry() LedgerEntry {
	return LedgerEntry{ParallelBalance: AmountZero, Bytecode: nil, Datastore: map[Hash][]byte{}}
}

// Clone deep-copies the entry so callers can mutate the copy without
// aliasing datastore/bytecode slices.
func (e LedgerEntry) Clone() LedgerEntry {
	out := LedgerEntry{ParallelBalance: e.ParallelBalance}
	if e.Bytecode != nil {
		out.Bytecode = append([]byte{}, e.Bytecode...)
	}
	out.Datastore = make(map[Hash][]byte, len(e.Datastore))
	for k, v := range e.Datastore {
		out.Datastore[k] = append([]byte{}, v...)
	}
	return out
}

// SortedDatastoreKeys returns the datastore keys in ascending order, used by
// get_entire_datastore and the bootstrap ledger-page iterator to produce a
// deterministic, streamable ordering.
func (e LedgerEntry) SortedDatastoreKeys() []Hash {
	keys := make([]Hash, 0, len(e.Datastore))
	for k := range e.Datastore {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Hex() < keys[j].Hex()
	})
	return keys
}

// LedgerEntryUpdate is the field-level patch variant of a LedgerEntry change:
// SetOrKeep on balance and bytecode, SetOrDelete per datastore key.
type LedgerEntryUpdate struct {
	Balance   SetOrKeep[Amount]
	Bytecode  SetOrKeep[[]byte]
	Datastore map[Hash]SetOrDelete[[]byte]
}

// NewLedgerEntryUpdate returns an empty (fully Keep) update, ready for
// field-by-field construction.
func NewLedgerEntryUpdate() LedgerEntryUpdate {
	return LedgerEntryUpdate{Datastore: map[Hash]SetOrDelete[[]byte]{}}
}

// applyLedgerEntryUpdate folds update u onto entry e, producing a new entry.
// This is the `applyUpdate` callback required by SetUpdateOrDelete.Apply.
func applyLedgerEntryUpdate(e LedgerEntry, u LedgerEntryUpdate) LedgerEntry {
	out := e.Clone()
	out.ParallelBalance = u.Balance.ApplyTo(out.ParallelBalance)
	out.Bytecode = u.Bytecode.ApplyTo(out.Bytecode)
	for k, v := range u.Datastore {
		if v.IsDelete() {
			delete(out.Datastore, k)
		} else {
			out.Datastore[k] = v.Value()
		}
	}
	return out
}

// mergeLedgerEntryUpdates folds a newer update onto an older one, both still
// unresolved against any concrete entry. Required by SetUpdateOrDelete.Apply
// when two Update variants compose.
func mergeLedgerEntryUpdates(older, newer LedgerEntryUpdate) LedgerEntryUpdate {
	out := LedgerEntryUpdate{
		Balance:   older.Balance.Apply(newer.Balance),
		Bytecode:  older.Bytecode.Apply(newer.Bytecode),
		Datastore: map[Hash]SetOrDelete[[]byte]{},
	}
	for k, v := range older.Datastore {
		out.Datastore[k] = v
	}
	for k, v := range newer.Datastore {
		if old, ok := out.Datastore[k]; ok {
			out.Datastore[k] = old.Apply(v)
		} else {
			out.Datastore[k] = v
		}
	}
	return out
}

// LedgerEntryChange is the per-address change-set entry:
// SetUpdateOrDelete over a whole entry or a field-level update.
type LedgerEntryChange = SetUpdateOrDelete[LedgerEntry, LedgerEntryUpdate]

// LedgerChanges is the full address-to-change mapping produced by one
// execution step, and the unit the change-set algebra composes over.
type LedgerChanges map[Address]LedgerEntryChange

// NewLedgerChanges returns an empty change-set.
func NewLedgerChanges() LedgerChanges { return make(LedgerChanges) }

// Apply composes other (the newer change-set) onto ch (the older one) in
// place, returning ch for chaining. Composition is associative: a sequence
// of change-sets can be pre-merged before being batched to disk.
func (ch LedgerChanges) Apply(other LedgerChanges) LedgerChanges {
	for addr, change := range other {
		if existing, ok := ch[addr]; ok {
			ch[addr] = existing.Apply(change, applyLedgerEntryUpdate, DefaultLedgerEntry, mergeLedgerEntryUpdates)
		} else {
			ch[addr] = change
		}
	}
	return ch
}

// Clone returns a shallow copy of the change-set map (the LedgerEntryChange
// values themselves are immutable once constructed).
func (ch LedgerChanges) Clone() LedgerChanges {
	out := make(LedgerChanges, len(ch))
	for k, v := range ch {
		out[k] = v
	}
	return out
}

// --- fallback readers ---------------------------------------------------
//
// Each reader consults the change-set first; if the change-set has no
// definite answer for the address it calls elseFn to consult the underlying
// ledger snapshot. elseFn signatures mirror what the final ledger exposes
// directly, so the speculative ledger can pass its snapshot's methods
// straight through.

// GetParallelBalanceOrElse resolves an address's balance through the
// change-set, falling back to elseFn when undetermined.
func (ch LedgerChanges) GetParallelBalanceOrElse(addr Address, elseFn func(Address) Amount) Amount {
	change, ok := ch[addr]
	if !ok {
		return elseFn(addr)
	}
	switch {
	case change.IsDelete():
		return AmountZero
	case change.IsSet():
		return change.SetValue().ParallelBalance
	default: // Update
		u := change.UpdateValue()
		if u.Balance.IsSet() {
			return u.Balance.Value()
		}
		return elseFn(addr)
	}
}

// GetBytecodeOrElse resolves bytecode through the change-set.
func (ch LedgerChanges) GetBytecodeOrElse(addr Address, elseFn func(Address) []byte) []byte {
	change, ok := ch[addr]
	if !ok {
		return elseFn(addr)
	}
	switch {
	case change.IsDelete():
		return nil
	case change.IsSet():
		return change.SetValue().Bytecode
	default:
		u := change.UpdateValue()
		if u.Bytecode.IsSet() {
			return u.Bytecode.Value()
		}
		return elseFn(addr)
	}
}

// EntryExistsOrElse resolves whether an address exists through the
// change-set.
func (ch LedgerChanges) EntryExistsOrElse(addr Address, elseFn func(Address) bool) bool {
	change, ok := ch[addr]
	if !ok {
		return elseFn(addr)
	}
	switch {
	case change.IsDelete():
		return false
	case change.IsSet():
		return true
	default:
		// an Update implies the entry pre-existed or was just materialised
		return elseFn(addr) || true
	}
}

// GetDataEntryOrElse resolves a single datastore key through the change-set.
func (ch LedgerChanges) GetDataEntryOrElse(addr Address, key Hash, elseFn func(Address, Hash) ([]byte, bool)) ([]byte, bool) {
	change, ok := ch[addr]
	if !ok {
		return elseFn(addr, key)
	}
	switch {
	case change.IsDelete():
		return nil, false
	case change.IsSet():
		v, ok := change.SetValue().Datastore[key]
		return v, ok
	default:
		u := change.UpdateValue()
		if sod, ok := u.Datastore[key]; ok {
			if sod.IsDelete() {
				return nil, false
			}
			return sod.Value(), true
		}
		return elseFn(addr, key)
	}
}

// HasDataEntryOrElse resolves existence of a single datastore key.
func (ch LedgerChanges) HasDataEntryOrElse(addr Address, key Hash, elseFn func(Address, Hash) bool) bool {
	_, ok := ch.GetDataEntryOrElse(addr, key, func(a Address, h Hash) ([]byte, bool) {
		return nil, elseFn(a, h)
	})
	return ok
}
