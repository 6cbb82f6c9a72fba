package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// wire_codec.go implements the compact binary framing: every message on
// the bootstrap and propagation wires is a single tag byte followed by a
// varint-encoded payload length and the payload itself. This sits alongside
// RLP (already used for block and operation hashing in block.go and
// operation.go) rather than
// replacing it — RLP does not produce the bit-exact 1-byte-tag framing this
// layer requires, so the envelope is hand-rolled while nested block/operation
// payloads keep using their own RLP encoding.

// WriteFrame writes tag, the varint length of payload, then payload itself.
func WriteFrame(w io.Writer, tag byte, payload []byte) error {
	var buf bytes.Buffer
	buf.WriteByte(tag)
	writeUvarint(&buf, uint64(len(payload)))
	buf.Write(payload)
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame reads one tag+varint-length+payload frame from r.
func ReadFrame(r io.Reader) (tag byte, payload []byte, err error) {
	var tagBuf [1]byte
	if _, err = io.ReadFull(r, tagBuf[:]); err != nil {
		return 0, nil, err
	}
	n, err := readUvarintReader(r)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read frame length: %v", ErrParsing, err)
	}
	payload = make([]byte, n)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: read frame payload: %v", ErrParsing, err)
	}
	return tagBuf[0], payload, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("%w: read varint: %v", ErrParsing, err)
	}
	return v, nil
}

func readUvarintReader(r io.Reader) (uint64, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &singleByteReader{r}
	}
	return binary.ReadUvarint(br)
}

type singleByteReader struct{ r io.Reader }

func (s *singleByteReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(s.r, b[:])
	return b[0], err
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: read bytes: %v", ErrParsing, err)
	}
	return out, nil
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeHash(buf *bytes.Buffer, h Hash) { buf.Write(h[:]) }

func readHash(r *bytes.Reader) (Hash, error) {
	var h Hash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return h, fmt.Errorf("%w: read hash: %v", ErrParsing, err)
	}
	return h, nil
}

func writeAddress(buf *bytes.Buffer, a Address) { buf.Write(a[:]) }

func readAddress(r *bytes.Reader) (Address, error) {
	var a Address
	if _, err := io.ReadFull(r, a[:]); err != nil {
		return a, fmt.Errorf("%w: read address: %v", ErrParsing, err)
	}
	return a, nil
}

func writeAmount(buf *bytes.Buffer, a Amount) { writeUvarint(buf, a.Raw()) }

func readAmount(r *bytes.Reader) (Amount, error) {
	raw, err := readUvarint(r)
	if err != nil {
		return Amount{}, err
	}
	return NewAmount(raw), nil
}

func writeSlot(buf *bytes.Buffer, s Slot) {
	writeUvarint(buf, s.Period)
	buf.WriteByte(s.Thread)
}

func readSlot(r *bytes.Reader) (Slot, error) {
	period, err := readUvarint(r)
	if err != nil {
		return Slot{}, err
	}
	thread, err := r.ReadByte()
	if err != nil {
		return Slot{}, fmt.Errorf("%w: read slot thread: %v", ErrParsing, err)
	}
	return Slot{Period: period, Thread: thread}, nil
}

func writeLedgerEntry(buf *bytes.Buffer, e LedgerEntry) {
	writeAmount(buf, e.ParallelBalance)
	writeBytes(buf, e.Bytecode)
	keys := e.SortedDatastoreKeys()
	writeUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		writeHash(buf, k)
		writeBytes(buf, e.Datastore[k])
	}
}

func readLedgerEntry(r *bytes.Reader) (LedgerEntry, error) {
	entry := DefaultLedgerEntry()
	bal, err := readAmount(r)
	if err != nil {
		return entry, err
	}
	entry.ParallelBalance = bal
	code, err := readBytes(r)
	if err != nil {
		return entry, err
	}
	if len(code) > 0 {
		entry.Bytecode = code
	}
	n, err := readUvarint(r)
	if err != nil {
		return entry, err
	}
	for i := uint64(0); i < n; i++ {
		k, err := readHash(r)
		if err != nil {
			return entry, err
		}
		v, err := readBytes(r)
		if err != nil {
			return entry, err
		}
		entry.Datastore[k] = v
	}
	return entry, nil
}

// --- change-set codecs ---------------------------------------------------
//
// Each change-set variant has a bit-exact wire form: a 1-byte tag followed
// by the inner payload. SetOrKeep and SetOrDelete are encoded per concrete
// field type (Amount balances, []byte bytecode and datastore values), the
// same composition-by-struct-fields shape the in-memory types use.

func writeAmountSetOrKeep(buf *bytes.Buffer, s SetOrKeep[Amount]) {
	if !s.IsSet() {
		buf.WriteByte(tagSetOrKeepKeep)
		return
	}
	buf.WriteByte(tagSetOrKeepSet)
	writeAmount(buf, s.Value())
}

func readAmountSetOrKeep(r *bytes.Reader) (SetOrKeep[Amount], error) {
	tag, err := r.ReadByte()
	if err != nil {
		return Keep[Amount](), fmt.Errorf("%w: read set-or-keep tag: %v", ErrParsing, err)
	}
	switch tag {
	case tagSetOrKeepSet:
		a, err := readAmount(r)
		if err != nil {
			return Keep[Amount](), err
		}
		return SetTo(a), nil
	case tagSetOrKeepKeep:
		return Keep[Amount](), nil
	default:
		return Keep[Amount](), fmt.Errorf("%w: unknown set-or-keep tag %d", ErrParsing, tag)
	}
}

func writeBytesSetOrKeep(buf *bytes.Buffer, s SetOrKeep[[]byte]) {
	if !s.IsSet() {
		buf.WriteByte(tagSetOrKeepKeep)
		return
	}
	buf.WriteByte(tagSetOrKeepSet)
	writeBytes(buf, s.Value())
}

func readBytesSetOrKeep(r *bytes.Reader) (SetOrKeep[[]byte], error) {
	tag, err := r.ReadByte()
	if err != nil {
		return Keep[[]byte](), fmt.Errorf("%w: read set-or-keep tag: %v", ErrParsing, err)
	}
	switch tag {
	case tagSetOrKeepSet:
		b, err := readBytes(r)
		if err != nil {
			return Keep[[]byte](), err
		}
		return SetTo(b), nil
	case tagSetOrKeepKeep:
		return Keep[[]byte](), nil
	default:
		return Keep[[]byte](), fmt.Errorf("%w: unknown set-or-keep tag %d", ErrParsing, tag)
	}
}

func writeBytesSetOrDelete(buf *bytes.Buffer, s SetOrDelete[[]byte]) {
	if s.IsDelete() {
		buf.WriteByte(tagSetOrDeleteDelete)
		return
	}
	buf.WriteByte(tagSetOrDeleteSet)
	writeBytes(buf, s.Value())
}

func readBytesSetOrDelete(r *bytes.Reader) (SetOrDelete[[]byte], error) {
	tag, err := r.ReadByte()
	if err != nil {
		return SetOrDelete[[]byte]{}, fmt.Errorf("%w: read set-or-delete tag: %v", ErrParsing, err)
	}
	switch tag {
	case tagSetOrDeleteSet:
		b, err := readBytes(r)
		if err != nil {
			return SetOrDelete[[]byte]{}, err
		}
		return SetValue(b), nil
	case tagSetOrDeleteDelete:
		return DeleteValue[[]byte](), nil
	default:
		return SetOrDelete[[]byte]{}, fmt.Errorf("%w: unknown set-or-delete tag %d", ErrParsing, tag)
	}
}

func writeLedgerEntryUpdate(buf *bytes.Buffer, u LedgerEntryUpdate) {
	writeAmountSetOrKeep(buf, u.Balance)
	writeBytesSetOrKeep(buf, u.Bytecode)
	keys := make([]Hash, 0, len(u.Datastore))
	for k := range u.Datastore {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	writeUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		writeHash(buf, k)
		writeBytesSetOrDelete(buf, u.Datastore[k])
	}
}

func readLedgerEntryUpdate(r *bytes.Reader) (LedgerEntryUpdate, error) {
	u := NewLedgerEntryUpdate()
	bal, err := readAmountSetOrKeep(r)
	if err != nil {
		return u, err
	}
	u.Balance = bal
	code, err := readBytesSetOrKeep(r)
	if err != nil {
		return u, err
	}
	u.Bytecode = code
	n, err := readUvarint(r)
	if err != nil {
		return u, err
	}
	for i := uint64(0); i < n; i++ {
		k, err := readHash(r)
		if err != nil {
			return u, err
		}
		v, err := readBytesSetOrDelete(r)
		if err != nil {
			return u, err
		}
		u.Datastore[k] = v
	}
	return u, nil
}

func writeLedgerEntryChange(buf *bytes.Buffer, ch LedgerEntryChange) error {
	switch {
	case ch.IsSet():
		buf.WriteByte(tagSUDSet)
		writeLedgerEntry(buf, ch.SetValue())
	case ch.IsUpdate():
		buf.WriteByte(tagSUDUpdate)
		writeLedgerEntryUpdate(buf, ch.UpdateValue())
	case ch.IsDelete():
		buf.WriteByte(tagSUDDelete)
	default:
		return fmt.Errorf("%w: absent ledger change has no wire form", ErrSerialize)
	}
	return nil
}

func readLedgerEntryChange(r *bytes.Reader) (LedgerEntryChange, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return LedgerEntryChange{}, fmt.Errorf("%w: read change tag: %v", ErrParsing, err)
	}
	switch tag {
	case tagSUDSet:
		entry, err := readLedgerEntry(r)
		if err != nil {
			return LedgerEntryChange{}, err
		}
		return Set[LedgerEntry, LedgerEntryUpdate](entry), nil
	case tagSUDUpdate:
		u, err := readLedgerEntryUpdate(r)
		if err != nil {
			return LedgerEntryChange{}, err
		}
		return Update[LedgerEntry, LedgerEntryUpdate](u), nil
	case tagSUDDelete:
		return Delete[LedgerEntry, LedgerEntryUpdate](), nil
	default:
		return LedgerEntryChange{}, fmt.Errorf("%w: unknown change tag %d", ErrParsing, tag)
	}
}

// writeLedgerChanges streams a change-set as (address, change) pairs in
// ascending address order, so the same map always produces the same bytes.
func writeLedgerChanges(buf *bytes.Buffer, ch LedgerChanges) error {
	addrs := make([]Address, 0, len(ch))
	for a := range ch {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
	writeUvarint(buf, uint64(len(addrs)))
	for _, a := range addrs {
		writeAddress(buf, a)
		if err := writeLedgerEntryChange(buf, ch[a]); err != nil {
			return fmt.Errorf("%w at address %s", err, a)
		}
	}
	return nil
}

func readLedgerChanges(r *bytes.Reader) (LedgerChanges, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	out := NewLedgerChanges()
	for i := uint64(0); i < n; i++ {
		addr, err := readAddress(r)
		if err != nil {
			return nil, err
		}
		change, err := readLedgerEntryChange(r)
		if err != nil {
			return nil, err
		}
		out[addr] = change
	}
	return out, nil
}
