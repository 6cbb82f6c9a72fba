package core

import (
	"bytes"
	"testing"
)

// TestFrameRoundTrip round-trips the outer tag+varint envelope itself.
func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello bootstrap")
	if err := WriteFrame(&buf, MsgTagBootstrapError, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	tag, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if tag != MsgTagBootstrapError {
		t.Fatalf("tag mismatch: got %d", tag)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload mismatch: got %q want %q", body, payload)
	}
}

func TestBootstrapErrorMsgRoundTrip(t *testing.T) {
	msg := BootstrapErrorMsg{Message: "please retry later"}
	decoded, err := DecodeBootstrapErrorMsg(msg.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != msg {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, msg)
	}
}

func TestBootstrapTimeMsgRoundTrip(t *testing.T) {
	msg := BootstrapTimeMsg{ServerUnixMillis: 1700000012345, Version: BootstrapVersion}
	decoded, err := DecodeBootstrapTimeMsg(msg.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != msg {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, msg)
	}
}

func TestBootstrapPeersMsgRoundTrip(t *testing.T) {
	msg := BootstrapPeersMsg{Addrs: []string{"/ip4/1.2.3.4/tcp/1234/p2p/abc", "/ip4/5.6.7.8/tcp/4321/p2p/def"}}
	decoded, err := DecodeBootstrapPeersMsg(msg.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Addrs) != len(msg.Addrs) {
		t.Fatalf("length mismatch: got %d want %d", len(decoded.Addrs), len(msg.Addrs))
	}
	for i := range msg.Addrs {
		if decoded.Addrs[i] != msg.Addrs[i] {
			t.Fatalf("addr %d mismatch: got %q want %q", i, decoded.Addrs[i], msg.Addrs[i])
		}
	}
}

func TestBootstrapVersionMsgRoundTrip(t *testing.T) {
	msg := BootstrapVersionMsg{Version: BootstrapVersion}
	decoded, err := DecodeBootstrapVersionMsg(msg.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != msg {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, msg)
	}
}

func TestVersionsCompatible(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"SYNN.1.0", "SYNN.1.0", true},
		{"SYNN.1.0", "SYNN.1.3", true},
		{"SYNN.1.0", "SYNN.2.0", false},
		{"SYNN.1.0", "OTHER.1.0", false},
	}
	for _, tc := range cases {
		if got := versionsCompatible(tc.a, tc.b); got != tc.want {
			t.Fatalf("versionsCompatible(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestFinalStateMsgRoundTrip(t *testing.T) {
	msg := FinalStateMsg{Slot: Slot{Period: 42, Thread: 3}, EntryCount: 17}
	decoded, err := DecodeFinalStateMsg(msg.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != msg {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, msg)
	}
}

func TestAskConsensusLedgerPartMsgRoundTrip(t *testing.T) {
	t.Run("first page", func(t *testing.T) {
		msg := AskConsensusLedgerPartMsg{After: nil, Size: 100}
		decoded, err := DecodeAskConsensusLedgerPartMsg(msg.Encode())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.After != nil {
			t.Fatalf("expected nil After, got %v", decoded.After)
		}
		if decoded.Size != msg.Size {
			t.Fatalf("size mismatch: got %d want %d", decoded.Size, msg.Size)
		}
	})
	t.Run("subsequent page", func(t *testing.T) {
		addr := Address{1, 2, 3, 4}
		msg := AskConsensusLedgerPartMsg{After: &addr, Size: 50}
		decoded, err := DecodeAskConsensusLedgerPartMsg(msg.Encode())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.After == nil || *decoded.After != addr {
			t.Fatalf("after mismatch: got %v want %v", decoded.After, addr)
		}
	})
}

func TestResponseConsensusLedgerPartMsgRoundTrip(t *testing.T) {
	entry := DefaultLedgerEntry()
	entry.ParallelBalance = NewAmount(55)
	changes := NewLedgerChanges()
	changes[Address{9}] = Set[LedgerEntry, LedgerEntryUpdate](entry)

	msg := ResponseConsensusLedgerPartMsg{
		Slot:    Slot{Period: 10, Thread: 0},
		Changes: changes,
		End:     true,
	}
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeResponseConsensusLedgerPartMsg(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Slot != msg.Slot {
		t.Fatalf("slot mismatch")
	}
	if decoded.End != msg.End {
		t.Fatalf("end mismatch: got %v want %v", decoded.End, msg.End)
	}
	page := decoded.SortedEntries()
	if len(page) != 1 {
		t.Fatalf("expected 1 resolved entry, got %d", len(page))
	}
	if page[0].Address != (Address{9}) || page[0].Entry.ParallelBalance.Raw() != 55 {
		t.Fatalf("resolved entry mismatch: %+v", page[0])
	}
}

// TestResponseConsensusLedgerPartEmptyIsEndSentinel: an empty response
// with End=true is the distinguished end-of-stream marker the bootstrap
// client's page loop relies on.
func TestResponseConsensusLedgerPartEmptyIsEndSentinel(t *testing.T) {
	msg := ResponseConsensusLedgerPartMsg{Slot: Slot{Period: 1, Thread: 0}, Changes: NewLedgerChanges(), End: true}
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeResponseConsensusLedgerPartMsg(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.End || len(decoded.Changes) != 0 {
		t.Fatalf("expected empty end-of-stream response, got %+v", decoded)
	}
}

func encodeLedgerEntryChange(t *testing.T, ch LedgerEntryChange) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := writeLedgerEntryChange(&buf, ch); err != nil {
		t.Fatalf("encode change: %v", err)
	}
	return buf.Bytes()
}

func TestLedgerEntryChangeRoundTrip(t *testing.T) {
	entry := DefaultLedgerEntry()
	entry.ParallelBalance = NewAmount(12)
	entry.Bytecode = []byte{0x01}
	entry.Datastore[HashBytes([]byte("k"))] = []byte("v")

	update := NewLedgerEntryUpdate()
	update.Balance = SetTo(NewAmount(7))
	update.Datastore[HashBytes([]byte("gone"))] = DeleteValue[[]byte]()
	update.Datastore[HashBytes([]byte("kept"))] = SetValue([]byte("x"))

	cases := []struct {
		name    string
		change  LedgerEntryChange
		wantTag byte
	}{
		{"set", Set[LedgerEntry, LedgerEntryUpdate](entry), tagSUDSet},
		{"update", Update[LedgerEntry, LedgerEntryUpdate](update), tagSUDUpdate},
		{"delete", Delete[LedgerEntry, LedgerEntryUpdate](), tagSUDDelete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := encodeLedgerEntryChange(t, tc.change)
			if raw[0] != tc.wantTag {
				t.Fatalf("leading tag = %d, want %d", raw[0], tc.wantTag)
			}
			decoded, err := readLedgerEntryChange(bytes.NewReader(raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if decoded.IsSet() != tc.change.IsSet() || decoded.IsUpdate() != tc.change.IsUpdate() || decoded.IsDelete() != tc.change.IsDelete() {
				t.Fatalf("variant changed across round trip")
			}
			if !bytes.Equal(encodeLedgerEntryChange(t, decoded), raw) {
				t.Fatalf("re-encoding the decoded change produced different bytes")
			}
		})
	}

	if decoded, err := readLedgerEntryChange(bytes.NewReader(encodeLedgerEntryChange(t, cases[1].change))); err != nil {
		t.Fatalf("decode update: %v", err)
	} else {
		u := decoded.UpdateValue()
		if !u.Balance.IsSet() || u.Balance.Value().Raw() != 7 {
			t.Fatalf("update balance lost: %+v", u.Balance)
		}
		if u.Bytecode.IsSet() {
			t.Fatalf("update bytecode should still be Keep")
		}
		if !u.Datastore[HashBytes([]byte("gone"))].IsDelete() {
			t.Fatalf("datastore delete lost")
		}
		if v := u.Datastore[HashBytes([]byte("kept"))]; v.IsDelete() || string(v.Value()) != "x" {
			t.Fatalf("datastore set lost: %+v", v)
		}
	}
}

func TestLedgerEntryChangeAbsentHasNoWireForm(t *testing.T) {
	var buf bytes.Buffer
	if err := writeLedgerEntryChange(&buf, LedgerEntryChange{}); err == nil {
		t.Fatalf("expected encoding an absent change to fail")
	}
}

func TestSetOrKeepAndSetOrDeleteTags(t *testing.T) {
	var buf bytes.Buffer
	writeAmountSetOrKeep(&buf, SetTo(NewAmount(3)))
	writeAmountSetOrKeep(&buf, Keep[Amount]())
	writeBytesSetOrDelete(&buf, SetValue([]byte("d")))
	writeBytesSetOrDelete(&buf, DeleteValue[[]byte]())

	r := bytes.NewReader(buf.Bytes())
	set, err := readAmountSetOrKeep(r)
	if err != nil || !set.IsSet() || set.Value().Raw() != 3 {
		t.Fatalf("set-or-keep set round trip: %+v %v", set, err)
	}
	keep, err := readAmountSetOrKeep(r)
	if err != nil || keep.IsSet() {
		t.Fatalf("set-or-keep keep round trip: %+v %v", keep, err)
	}
	sod, err := readBytesSetOrDelete(r)
	if err != nil || sod.IsDelete() || string(sod.Value()) != "d" {
		t.Fatalf("set-or-delete set round trip: %+v %v", sod, err)
	}
	del, err := readBytesSetOrDelete(r)
	if err != nil || !del.IsDelete() {
		t.Fatalf("set-or-delete delete round trip: %+v %v", del, err)
	}

	raw := buf.Bytes()
	if raw[0] != tagSetOrKeepSet || raw[len(raw)-1] != tagSetOrDeleteDelete {
		t.Fatalf("tag bytes not where the wire form puts them")
	}
}

func TestLedgerChangesRoundTripIsDeterministic(t *testing.T) {
	entry := DefaultLedgerEntry()
	entry.ParallelBalance = NewAmount(9)
	update := NewLedgerEntryUpdate()
	update.Balance = SetTo(NewAmount(4))

	ch := NewLedgerChanges()
	ch[Address{3}] = Set[LedgerEntry, LedgerEntryUpdate](entry)
	ch[Address{1}] = Update[LedgerEntry, LedgerEntryUpdate](update)
	ch[Address{2}] = Delete[LedgerEntry, LedgerEntryUpdate]()

	var buf1 bytes.Buffer
	if err := writeLedgerChanges(&buf1, ch); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var buf2 bytes.Buffer
	if err := writeLedgerChanges(&buf2, ch); err != nil {
		t.Fatalf("encode again: %v", err)
	}
	if !bytes.Equal(buf1.Bytes(), buf2.Bytes()) {
		t.Fatalf("encoding the same change-set twice produced different bytes")
	}

	decoded, err := readLedgerChanges(bytes.NewReader(buf1.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("decoded %d changes, want 3", len(decoded))
	}
	if !decoded[Address{3}].IsSet() || !decoded[Address{1}].IsUpdate() || !decoded[Address{2}].IsDelete() {
		t.Fatalf("variants lost across round trip: %+v", decoded)
	}
	if decoded[Address{3}].SetValue().ParallelBalance.Raw() != 9 {
		t.Fatalf("set entry balance lost")
	}
	if decoded[Address{1}].UpdateValue().Balance.Value().Raw() != 4 {
		t.Fatalf("update balance lost")
	}
}
