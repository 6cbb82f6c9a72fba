package core

import (
	"bytes"
	"fmt"
	"io"
	"sort"
)

// bootstrap_messages.go defines the bootstrap message set: the
// eight message kinds exchanged between a fresh node and a bootstrap server,
// framed with wire_codec.go's tag+varint envelope. Block and operation
// payloads ride RLP (block.go/operation.go already make them RLP-encodable);
// everything else uses the hand-rolled primitives in wire_codec.go.

const (
	MsgTagBootstrapError         byte = 0
	MsgTagBootstrapTime          byte = 1
	MsgTagBootstrapPeers         byte = 2
	MsgTagConsensusState         byte = 3
	MsgTagFinalState             byte = 4
	MsgTagAskConsensusLedgerPart byte = 5
	MsgTagResponseLedgerPart     byte = 6
	MsgTagBootstrapVersion       byte = 7
)

// BootstrapVersion is this node's protocol version, exchanged during the
// handshake. Two versions are compatible when they share a major component.
const BootstrapVersion = "SYNN.1.0"

// versionsCompatible compares the major component (everything up to the
// second dot) of two version strings.
func versionsCompatible(a, b string) bool {
	return versionMajor(a) == versionMajor(b)
}

func versionMajor(v string) string {
	dots := 0
	for i := 0; i < len(v); i++ {
		if v[i] == '.' {
			dots++
			if dots == 2 {
				return v[:i]
			}
		}
	}
	return v
}

// BootstrapVersionMsg (tag 7) is the client's hello: the first frame a
// client writes on a fresh bootstrap stream, carrying its protocol version.
type BootstrapVersionMsg struct {
	Version string
}

func (m BootstrapVersionMsg) Encode() []byte {
	var buf bytes.Buffer
	writeString(&buf, m.Version)
	return buf.Bytes()
}

func DecodeBootstrapVersionMsg(b []byte) (BootstrapVersionMsg, error) {
	r := bytes.NewReader(b)
	v, err := readString(r)
	if err != nil {
		return BootstrapVersionMsg{}, err
	}
	return BootstrapVersionMsg{Version: v}, nil
}

// WriteMessage frames and writes a bootstrap message body under tag.
func WriteMessage(w io.Writer, tag byte, body []byte) error {
	return WriteFrame(w, tag, body)
}

// ReadMessage reads one framed bootstrap message.
func ReadMessage(r io.Reader) (tag byte, body []byte, err error) {
	return ReadFrame(r)
}

// BootstrapErrorMsg (tag 0) carries a human-readable failure reason; the
// client treats receiving one as the server refusing to bootstrap it.
type BootstrapErrorMsg struct {
	Message string
}

func (m BootstrapErrorMsg) Encode() []byte {
	var buf bytes.Buffer
	writeString(&buf, m.Message)
	return buf.Bytes()
}

func DecodeBootstrapErrorMsg(b []byte) (BootstrapErrorMsg, error) {
	r := bytes.NewReader(b)
	msg, err := readString(r)
	if err != nil {
		return BootstrapErrorMsg{}, err
	}
	return BootstrapErrorMsg{Message: msg}, nil
}

// BootstrapTimeMsg (tag 1) carries the server's wall-clock time in Unix
// milliseconds and its protocol version, letting the client compute its
// slot-clock compensation and reject an incompatible server.
type BootstrapTimeMsg struct {
	ServerUnixMillis int64
	Version          string
}

func (m BootstrapTimeMsg) Encode() []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(m.ServerUnixMillis))
	writeString(&buf, m.Version)
	return buf.Bytes()
}

func DecodeBootstrapTimeMsg(b []byte) (BootstrapTimeMsg, error) {
	r := bytes.NewReader(b)
	v, err := readUvarint(r)
	if err != nil {
		return BootstrapTimeMsg{}, err
	}
	ver, err := readString(r)
	if err != nil {
		return BootstrapTimeMsg{}, err
	}
	return BootstrapTimeMsg{ServerUnixMillis: int64(v), Version: ver}, nil
}

// BootstrapPeersMsg (tag 2) carries a list of multiaddr/peerid strings the
// client can dial next.
type BootstrapPeersMsg struct {
	Addrs []string
}

func (m BootstrapPeersMsg) Encode() []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(m.Addrs)))
	for _, a := range m.Addrs {
		writeString(&buf, a)
	}
	return buf.Bytes()
}

func DecodeBootstrapPeersMsg(b []byte) (BootstrapPeersMsg, error) {
	r := bytes.NewReader(b)
	n, err := readUvarint(r)
	if err != nil {
		return BootstrapPeersMsg{}, err
	}
	out := BootstrapPeersMsg{Addrs: make([]string, 0, n)}
	for i := uint64(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return BootstrapPeersMsg{}, err
		}
		out.Addrs = append(out.Addrs, s)
	}
	return out, nil
}

// ConsensusStateMsg (tag 3) carries the graph's final-block set and the
// staking snapshot, in that order, so a client can rebuild BlockGraph and
// RollManager before asking for ledger state.
type ConsensusStateMsg struct {
	Graph *BootstrapableGraph
	Stake *ExportProofOfStake
}

func (m ConsensusStateMsg) Encode() ([]byte, error) {
	var buf bytes.Buffer

	writeUvarint(&buf, uint64(len(m.Graph.FinalBlocks)))
	for id, block := range m.Graph.FinalBlocks {
		writeHash(&buf, id)
		raw, err := block.MarshalRLP()
		if err != nil {
			return nil, fmt.Errorf("%w: encode final block: %v", ErrSerialize, err)
		}
		writeBytes(&buf, raw)
	}

	writeUvarint(&buf, uint64(len(m.Stake.RollCounts)))
	for addr, n := range m.Stake.RollCounts {
		writeAddress(&buf, addr)
		writeUvarint(&buf, n)
	}

	writeUvarint(&buf, uint64(len(m.Stake.CycleRollCounts)))
	for cycle, counts := range m.Stake.CycleRollCounts {
		writeUvarint(&buf, cycle)
		writeUvarint(&buf, uint64(len(counts)))
		for addr, n := range counts {
			writeAddress(&buf, addr)
			writeUvarint(&buf, n)
		}
	}

	writeUvarint(&buf, uint64(len(m.Stake.CycleSeeds)))
	for cycle, seed := range m.Stake.CycleSeeds {
		writeUvarint(&buf, cycle)
		writeHash(&buf, seed)
	}

	return buf.Bytes(), nil
}

func DecodeConsensusStateMsg(b []byte) (*ConsensusStateMsg, error) {
	r := bytes.NewReader(b)

	numBlocks, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	graph := &BootstrapableGraph{FinalBlocks: make(map[BlockId]*Block, numBlocks)}
	for i := uint64(0); i < numBlocks; i++ {
		id, err := readHash(r)
		if err != nil {
			return nil, err
		}
		raw, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		block, err := DecodeBlockRLP(raw)
		if err != nil {
			return nil, err
		}
		graph.FinalBlocks[id] = block
	}

	numRolls, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	stake := &ExportProofOfStake{
		RollCounts:      make(map[Address]uint64, numRolls),
		CycleRollCounts: map[uint64]map[Address]uint64{},
		CycleSeeds:      map[uint64]Hash{},
	}
	for i := uint64(0); i < numRolls; i++ {
		addr, err := readAddress(r)
		if err != nil {
			return nil, err
		}
		n, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		stake.RollCounts[addr] = n
	}

	numCycles, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < numCycles; i++ {
		cycle, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		numAddrs, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		counts := make(map[Address]uint64, numAddrs)
		for j := uint64(0); j < numAddrs; j++ {
			addr, err := readAddress(r)
			if err != nil {
				return nil, err
			}
			n, err := readUvarint(r)
			if err != nil {
				return nil, err
			}
			counts[addr] = n
		}
		stake.CycleRollCounts[cycle] = counts
	}

	numSeeds, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < numSeeds; i++ {
		cycle, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		seed, err := readHash(r)
		if err != nil {
			return nil, err
		}
		stake.CycleSeeds[cycle] = seed
	}

	return &ConsensusStateMsg{Graph: graph, Stake: stake}, nil
}

// FinalStateMsg (tag 4) is the header of the final-ledger snapshot this
// session will stream: the settled slot and how many entries the paging
// loop will deliver in total. The entries themselves ride
// ResponseConsensusLedgerPart pages cut from the same snapshot.
type FinalStateMsg struct {
	Slot       Slot
	EntryCount uint64
}

func (m FinalStateMsg) Encode() []byte {
	var buf bytes.Buffer
	writeSlot(&buf, m.Slot)
	writeUvarint(&buf, m.EntryCount)
	return buf.Bytes()
}

func DecodeFinalStateMsg(b []byte) (FinalStateMsg, error) {
	r := bytes.NewReader(b)
	slot, err := readSlot(r)
	if err != nil {
		return FinalStateMsg{}, err
	}
	n, err := readUvarint(r)
	if err != nil {
		return FinalStateMsg{}, err
	}
	return FinalStateMsg{Slot: slot, EntryCount: n}, nil
}

// AskConsensusLedgerPartMsg (tag 5) requests the next page of ledger entries
// strictly after After (nil requests the first page).
type AskConsensusLedgerPartMsg struct {
	After *Address
	Size  int
}

func (m AskConsensusLedgerPartMsg) Encode() []byte {
	var buf bytes.Buffer
	if m.After != nil {
		buf.WriteByte(1)
		writeAddress(&buf, *m.After)
	} else {
		buf.WriteByte(0)
	}
	writeUvarint(&buf, uint64(m.Size))
	return buf.Bytes()
}

func DecodeAskConsensusLedgerPartMsg(b []byte) (AskConsensusLedgerPartMsg, error) {
	r := bytes.NewReader(b)
	present, err := r.ReadByte()
	if err != nil {
		return AskConsensusLedgerPartMsg{}, fmt.Errorf("%w: read after-presence: %v", ErrParsing, err)
	}
	var after *Address
	if present == 1 {
		a, err := readAddress(r)
		if err != nil {
			return AskConsensusLedgerPartMsg{}, err
		}
		after = &a
	}
	size, err := readUvarint(r)
	if err != nil {
		return AskConsensusLedgerPartMsg{}, err
	}
	return AskConsensusLedgerPartMsg{After: after, Size: int(size)}, nil
}

// ResponseConsensusLedgerPartMsg (tag 6) answers an AskConsensusLedgerPartMsg
// with the next page of the snapshot as a LedgerChanges stream: one
// Set-entry change per address, in ascending address order on the wire, plus
// whether this is the last page. Slot carries the ledger's slot as of the
// snapshot this page was cut from, the same value on every page of one
// session so the client can build its FinalLedgerBootstrap without a
// separate message for it.
type ResponseConsensusLedgerPartMsg struct {
	Slot    Slot
	Changes LedgerChanges
	End     bool
}

func (m ResponseConsensusLedgerPartMsg) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeSlot(&buf, m.Slot)
	if m.End {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	if err := writeLedgerChanges(&buf, m.Changes); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeResponseConsensusLedgerPartMsg(b []byte) (ResponseConsensusLedgerPartMsg, error) {
	r := bytes.NewReader(b)
	slot, err := readSlot(r)
	if err != nil {
		return ResponseConsensusLedgerPartMsg{}, err
	}
	end, err := r.ReadByte()
	if err != nil {
		return ResponseConsensusLedgerPartMsg{}, fmt.Errorf("%w: read end flag: %v", ErrParsing, err)
	}
	changes, err := readLedgerChanges(r)
	if err != nil {
		return ResponseConsensusLedgerPartMsg{}, err
	}
	return ResponseConsensusLedgerPartMsg{Slot: slot, Changes: changes, End: end == 1}, nil
}

// SortedEntries resolves the page's changes into concrete entries in
// ascending address order: a Set change is its entry, an Update is resolved
// against the default entry, a Delete (never produced by a snapshot dump)
// resolves to no entry at all.
func (m ResponseConsensusLedgerPartMsg) SortedEntries() []AddressEntry {
	addrs := make([]Address, 0, len(m.Changes))
	for a := range m.Changes {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
	out := make([]AddressEntry, 0, len(addrs))
	for _, a := range addrs {
		ch := m.Changes[a]
		switch {
		case ch.IsSet():
			out = append(out, AddressEntry{Address: a, Entry: ch.SetValue()})
		case ch.IsUpdate():
			out = append(out, AddressEntry{Address: a, Entry: applyLedgerEntryUpdate(DefaultLedgerEntry(), ch.UpdateValue())})
		}
	}
	return out
}
