package core

import (
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// block.go defines the Block/BlockHeader shape. For the canonical id the
// signed header (header plus signature) is RLP-encoded then double-SHA256
// hashed.

// Endorsement attests that an endorser observed a given block at a given
// slot, contributing to that block's fitness once included in a later
// header.
type Endorsement struct {
	Slot          Slot
	EndorsedBlock BlockId
	Index         uint32
	CreatorPubKey []byte
	Signature     []byte
}

// endorsementRLP is the RLP-encodable body an Endorsement is signed and
// verified over — everything but the signature itself, the same
// sign-the-body-not-the-envelope split rlpOperationBody uses for operations.
type endorsementRLP struct {
	Slot          Slot
	EndorsedBlock BlockId
	Index         uint32
	CreatorPubKey []byte
}

func (e Endorsement) rlpBody() ([]byte, error) {
	return rlp.EncodeToBytes(endorsementRLP{
		Slot:          e.Slot,
		EndorsedBlock: e.EndorsedBlock,
		Index:         e.Index,
		CreatorPubKey: e.CreatorPubKey,
	})
}

// BlockHeader carries everything that determines a block's identity and
// position in the graph.
type BlockHeader struct {
	CreatorPublicKey    []byte
	Slot                Slot
	Parents             []BlockId
	OperationMerkleRoot Hash
	Endorsements        []Endorsement
}

// SignedBlockHeader is a header plus the creator's signature over its RLP
// encoding.
type SignedBlockHeader struct {
	Header    BlockHeader
	Signature []byte
}

// EncodeRLP returns the canonical RLP encoding of the header.
func (h *BlockHeader) EncodeRLP() ([]byte, error) {
	return rlp.EncodeToBytes(h)
}

// Hash computes the block id: double-SHA256 over the RLP encoding of the
// signed header (header fields plus signature).
func (sh *SignedBlockHeader) Hash() (BlockId, error) {
	raw, err := rlp.EncodeToBytes(sh)
	if err != nil {
		return BlockId{}, fmt.Errorf("%w: encode block header: %v", ErrSerialize, err)
	}
	first := sha256.Sum256(raw)
	second := sha256.Sum256(first[:])
	return Hash(second), nil
}

// Block is a signed header plus its operations.
type Block struct {
	Header     SignedBlockHeader
	Operations []*Operation
}

// ID returns the block's canonical id.
func (b *Block) ID() (BlockId, error) {
	return b.Header.Hash()
}

// blockRLP is the flat, RLP-encodable mirror of Block: SignedBlockHeader
// encodes directly since every field it reaches is concrete, but Operations
// holds an OperationPayload interface per entry, which RLP's reflection
// cannot see into, so each operation is pre-encoded via its own EncodeRLP
// the same way operation.go's operationRLP flattens payload variants.
type blockRLP struct {
	Header        SignedBlockHeader
	OperationsRaw [][]byte
}

// MarshalRLP returns the canonical RLP encoding of the full block (header
// plus operations), used for block gossip and bootstrap graph transfer.
func (b *Block) MarshalRLP() ([]byte, error) {
	raw := make([][]byte, len(b.Operations))
	for i, op := range b.Operations {
		enc, err := op.EncodeRLP()
		if err != nil {
			return nil, fmt.Errorf("%w: encode operation %d: %v", ErrSerialize, i, err)
		}
		raw[i] = enc
	}
	return rlp.EncodeToBytes(blockRLP{Header: b.Header, OperationsRaw: raw})
}

// DecodeBlockRLP reconstructs a Block from MarshalRLP's wire form.
func DecodeBlockRLP(data []byte) (*Block, error) {
	var flat blockRLP
	if err := rlp.DecodeBytes(data, &flat); err != nil {
		return nil, fmt.Errorf("%w: decode block: %v", ErrParsing, err)
	}
	ops := make([]*Operation, len(flat.OperationsRaw))
	for i, raw := range flat.OperationsRaw {
		op, err := DecodeOperation(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: decode operation %d: %v", ErrParsing, i, err)
		}
		ops[i] = op
	}
	return &Block{Header: flat.Header, Operations: ops}, nil
}

// computeOperationMerkleRoot folds operation ids into the root of the Merkle
// tree built over them, so that a light client can later be handed a single
// operation plus MerkleProof and check it against OperationMerkleRoot without
// downloading the whole block.
func computeOperationMerkleRoot(ops []*Operation) (Hash, error) {
	if len(ops) == 0 {
		return Hash{}, nil
	}
	leaves := make([][]byte, len(ops))
	for i, op := range ops {
		id, err := op.ID()
		if err != nil {
			return Hash{}, err
		}
		leaves[i] = append([]byte(nil), id[:]...)
	}
	tree, err := BuildMerkleTree(leaves)
	if err != nil {
		return Hash{}, err
	}
	return Hash(tree[len(tree)-1][0]), nil
}
