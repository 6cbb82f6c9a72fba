package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// final_ledger.go holds the durable, settled ledger state: a sorted
// key-value store behind a lock, one writer, atomic batch writes.
// ApplyChangesAtSlot gets its all-or-nothing guarantee from the store's
// own transaction.

var (
	balanceBucket   = []byte("balance")
	bytecodeBucket  = []byte("bytecode")
	datastoreBucket = []byte("datastore")
	metaBucket      = []byte("meta")

	metaSlotKey = []byte("slot")
)

// FinalLedgerConfig configures where the ledger's sorted KV store lives and
// (on cold start, when no store file exists yet) the JSON genesis balances
// file.
type FinalLedgerConfig struct {
	StorePath         string
	InitialLedgerPath string
}

// FinalLedger is the settled, on-disk ledger shared behind a read-write
// lock: the VM worker is the sole writer, readers take the lock only to
// iterate or read individual entries.
type FinalLedger struct {
	mu   sync.RWMutex
	db   *bolt.DB
	slot Slot
}

// OpenFinalLedger opens (creating if absent) the sorted KV store at
// cfg.StorePath, seeding it from cfg.InitialLedgerPath on first run.
func OpenFinalLedger(cfg FinalLedgerConfig) (*FinalLedger, error) {
	_, statErr := os.Stat(cfg.StorePath)
	fresh := os.IsNotExist(statErr)

	db, err := bolt.Open(cfg.StorePath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open final ledger store: %w", err)
	}

	l := &FinalLedger{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{balanceBucket, bytecodeBucket, datastoreBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init final ledger buckets: %w", err)
	}

	if err := l.loadSlot(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if fresh && cfg.InitialLedgerPath != "" {
		if err := l.loadInitialLedger(cfg.InitialLedgerPath); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("load initial ledger: %w", err)
		}
	}

	return l, nil
}

// loadInitialLedger seeds the ledger from a JSON address-to-amount map,
// producing entries with only the balance set.
func (l *FinalLedger) loadInitialLedger(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var balances map[string]uint64
	if err := json.Unmarshal(raw, &balances); err != nil {
		return fmt.Errorf("decode initial ledger json: %w", err)
	}
	changes := NewLedgerChanges()
	for addrStr, raw := range balances {
		addr, err := ParseAddress(addrStr)
		if err != nil {
			return fmt.Errorf("initial ledger address %q: %w", addrStr, err)
		}
		entry := DefaultLedgerEntry()
		entry.ParallelBalance = NewAmount(raw)
		changes[addr] = Set[LedgerEntry, LedgerEntryUpdate](entry)
	}
	logrus.Infof("seeding final ledger from %s with %d accounts", path, len(balances))
	return l.ApplyChangesAtSlot(changes, Slot{})
}

func (l *FinalLedger) loadSlot() error {
	return l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(metaSlotKey)
		if raw == nil {
			l.slot = Slot{}
			return nil
		}
		s, err := decodeSlot(raw)
		if err != nil {
			return err
		}
		l.slot = s
		return nil
	})
}

func encodeSlot(s Slot) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf, s.Period)
	buf[8] = s.Thread
	return buf
}

func decodeSlot(b []byte) (Slot, error) {
	if len(b) != 9 {
		return Slot{}, fmt.Errorf("final ledger: malformed slot record (%d bytes)", len(b))
	}
	return Slot{Period: binary.BigEndian.Uint64(b[:8]), Thread: b[8]}, nil
}

func datastoreKey(addr Address, key Hash) []byte {
	out := make([]byte, 0, len(addr)+len(key))
	out = append(out, addr[:]...)
	out = append(out, key[:]...)
	return out
}

// CurrentSlot returns the last slot successfully committed by
// ApplyChangesAtSlot.
func (l *FinalLedger) CurrentSlot() Slot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slot
}

// ApplyChangesAtSlot applies every entry in changes atomically and records
// the new settled slot. The slot must not go backwards. bbolt's Update
// transaction is all-or-nothing, so a failure partway through never leaves
// a mixed state; the previous slot remains the one observable on return.
func (l *FinalLedger) ApplyChangesAtSlot(changes LedgerChanges, slot Slot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if slot.Compare(l.slot) < 0 {
		return fmt.Errorf("%w: final ledger slot went backwards: have %s, got %s", ErrInconsistency, l.slot, slot)
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		balances := tx.Bucket(balanceBucket)
		bytecodes := tx.Bucket(bytecodeBucket)
		datastore := tx.Bucket(datastoreBucket)
		meta := tx.Bucket(metaBucket)

		addrs := make([]Address, 0, len(changes))
		for addr := range changes {
			addrs = append(addrs, addr)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })

		for _, addr := range addrs {
			change := changes[addr]
			switch {
			case change.IsDelete():
				if err := deleteEntryTx(balances, bytecodes, datastore, addr); err != nil {
					return err
				}
			case change.IsSet():
				if err := writeEntryTx(balances, bytecodes, datastore, addr, change.SetValue()); err != nil {
					return err
				}
			default: // Update
				current, exists, err := readEntryTx(balances, bytecodes, datastore, addr)
				if err != nil {
					return err
				}
				if !exists {
					current = DefaultLedgerEntry()
				}
				updated := applyLedgerEntryUpdate(current, change.UpdateValue())
				if err := writeEntryTx(balances, bytecodes, datastore, addr, updated); err != nil {
					return err
				}
			}
		}
		return meta.Put(metaSlotKey, encodeSlot(slot))
	})
	if err != nil {
		return err
	}
	l.slot = slot
	return nil
}

func writeEntryTx(balances, bytecodes, datastore *bolt.Bucket, addr Address, entry LedgerEntry) error {
	balBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(balBuf, entry.ParallelBalance.Raw())
	if err := balances.Put(addr[:], balBuf); err != nil {
		return err
	}
	if len(entry.Bytecode) == 0 {
		if err := bytecodes.Delete(addr[:]); err != nil {
			return err
		}
	} else {
		if err := bytecodes.Put(addr[:], entry.Bytecode); err != nil {
			return err
		}
	}
	if err := deleteDatastorePrefixTx(datastore, addr); err != nil {
		return err
	}
	for key, value := range entry.Datastore {
		if err := datastore.Put(datastoreKey(addr, key), value); err != nil {
			return err
		}
	}
	return nil
}

func deleteEntryTx(balances, bytecodes, datastore *bolt.Bucket, addr Address) error {
	if err := balances.Delete(addr[:]); err != nil {
		return err
	}
	if err := bytecodes.Delete(addr[:]); err != nil {
		return err
	}
	return deleteDatastorePrefixTx(datastore, addr)
}

func deleteDatastorePrefixTx(datastore *bolt.Bucket, addr Address) error {
	c := datastore.Cursor()
	prefix := addr[:]
	var toDelete [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		toDelete = append(toDelete, append([]byte{}, k...))
	}
	for _, k := range toDelete {
		if err := datastore.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func readEntryTx(balances, bytecodes, datastore *bolt.Bucket, addr Address) (LedgerEntry, bool, error) {
	balRaw := balances.Get(addr[:])
	if balRaw == nil {
		return LedgerEntry{}, false, nil
	}
	entry := DefaultLedgerEntry()
	entry.ParallelBalance = NewAmount(binary.BigEndian.Uint64(balRaw))
	if code := bytecodes.Get(addr[:]); code != nil {
		entry.Bytecode = append([]byte{}, code...)
	}
	c := datastore.Cursor()
	prefix := addr[:]
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		keyHash, err := HashFromBytes(k[len(prefix):])
		if err != nil {
			return LedgerEntry{}, false, err
		}
		entry.Datastore[keyHash] = append([]byte{}, v...)
	}
	return entry, true, nil
}

// GetParallelBalance returns addr's settled balance, zero if absent.
func (l *FinalLedger) GetParallelBalance(addr Address) Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out Amount
	_ = l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(balanceBucket).Get(addr[:])
		if raw != nil {
			out = NewAmount(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	return out
}

// GetBytecode returns addr's settled bytecode, nil if absent.
func (l *FinalLedger) GetBytecode(addr Address) []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []byte
	_ = l.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bytecodeBucket).Get(addr[:]); raw != nil {
			out = append([]byte{}, raw...)
		}
		return nil
	})
	return out
}

// EntryExists reports whether addr has a settled ledger entry.
func (l *FinalLedger) EntryExists(addr Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	exists := false
	_ = l.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(balanceBucket).Get(addr[:]) != nil
		return nil
	})
	return exists
}

// GetDataEntry returns addr's settled datastore value for key.
func (l *FinalLedger) GetDataEntry(addr Address, key Hash) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []byte
	found := false
	_ = l.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(datastoreBucket).Get(datastoreKey(addr, key)); raw != nil {
			out = append([]byte{}, raw...)
			found = true
		}
		return nil
	})
	return out, found
}

// HasDataEntry reports whether addr has a settled datastore value for key.
func (l *FinalLedger) HasDataEntry(addr Address, key Hash) bool {
	_, ok := l.GetDataEntry(addr, key)
	return ok
}

// GetEntireDatastore returns a copy of addr's entire settled datastore.
func (l *FinalLedger) GetEntireDatastore(addr Address) map[Hash][]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := map[Hash][]byte{}
	_ = l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(datastoreBucket).Cursor()
		prefix := addr[:]
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			keyHash, err := HashFromBytes(k[len(prefix):])
			if err != nil {
				return err
			}
			out[keyHash] = append([]byte{}, v...)
		}
		return nil
	})
	return out
}

// GetFullEntry returns addr's complete settled LedgerEntry.
func (l *FinalLedger) GetFullEntry(addr Address) (LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var entry LedgerEntry
	var exists bool
	_ = l.db.View(func(tx *bolt.Tx) error {
		var err error
		entry, exists, err = readEntryTx(tx.Bucket(balanceBucket), tx.Bucket(bytecodeBucket), tx.Bucket(datastoreBucket), addr)
		return err
	})
	return entry, exists
}

// FinalLedgerBootstrap is the iterator-backed export consumed by the
// bootstrap server: the settled slot plus every address's full entry,
// sorted so it can stream in deterministic, resumable pages.
type FinalLedgerBootstrap struct {
	Slot    Slot
	Entries []AddressEntry
}

// AddressEntry pairs an address with its entry for bootstrap streaming.
type AddressEntry struct {
	Address Address
	Entry   LedgerEntry
}

// GetBootstrapState snapshots the entire ledger under the read lock. The
// snapshot itself is a single bounded in-memory copy, so the lock is never
// held across channel or socket waits.
func (l *FinalLedger) GetBootstrapState() (*FinalLedgerBootstrap, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := &FinalLedgerBootstrap{Slot: l.slot}
	err := l.db.View(func(tx *bolt.Tx) error {
		balances := tx.Bucket(balanceBucket)
		bytecodes := tx.Bucket(bytecodeBucket)
		datastore := tx.Bucket(datastoreBucket)
		c := balances.Cursor()
		for addrRaw, _ := c.First(); addrRaw != nil; addrRaw, _ = c.Next() {
			addr, err := AddressFromBytes(addrRaw)
			if err != nil {
				return err
			}
			entry, _, err := readEntryTx(balances, bytecodes, datastore, addr)
			if err != nil {
				return err
			}
			out.Entries = append(out.Entries, AddressEntry{Address: addr, Entry: entry})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out.Entries, func(i, j int) bool {
		return out.Entries[i].Address.String() < out.Entries[j].Address.String()
	})
	return out, nil
}

// FromBootstrapState replaces all ledger contents with state, as performed
// by a client finishing the bootstrap handshake.
func (l *FinalLedger) FromBootstrapState(state *FinalLedgerBootstrap) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{balanceBucket, bytecodeBucket, datastoreBucket} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		balances := tx.Bucket(balanceBucket)
		bytecodes := tx.Bucket(bytecodeBucket)
		datastore := tx.Bucket(datastoreBucket)
		for _, ae := range state.Entries {
			if err := writeEntryTx(balances, bytecodes, datastore, ae.Address, ae.Entry); err != nil {
				return err
			}
		}
		return tx.Bucket(metaBucket).Put(metaSlotKey, encodeSlot(state.Slot))
	})
	if err != nil {
		return err
	}
	l.slot = state.Slot
	return nil
}

// GetLedgerPart pages through the settled ledger in address order: after
// is the last address already delivered (nil for the first page); size
// bounds how many entries this call returns. The returned bool is true
// once the page reaches the end of the store and doubles as the
// end-of-stream sentinel on the wire.
func (l *FinalLedger) GetLedgerPart(after *Address, size int) ([]AddressEntry, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []AddressEntry
	end := false
	err := l.db.View(func(tx *bolt.Tx) error {
		balances := tx.Bucket(balanceBucket)
		bytecodes := tx.Bucket(bytecodeBucket)
		datastore := tx.Bucket(datastoreBucket)
		c := balances.Cursor()

		var k []byte
		if after == nil {
			k, _ = c.First()
		} else {
			k, _ = c.Seek((*after)[:])
			if k != nil && string(k) == string((*after)[:]) {
				k, _ = c.Next()
			}
		}
		for k != nil && len(out) < size {
			addr, err := AddressFromBytes(k)
			if err != nil {
				return err
			}
			entry, _, err := readEntryTx(balances, bytecodes, datastore, addr)
			if err != nil {
				return err
			}
			out = append(out, AddressEntry{Address: addr, Entry: entry})
			k, _ = c.Next()
		}
		end = k == nil
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, end, nil
}

// Close releases the underlying store handle.
func (l *FinalLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
