package core

import (
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// operation.go defines the Operation variants. Unlike the header, whose
// RLP shape is fixed, an Operation's payload is one of four kinds; RLP
// cannot encode a Go interface directly, so each payload is flattened into
// a single encodable struct with the inactive fields left zero.

// OperationKind distinguishes the four payload variants.
type OperationKind uint8

const (
	OpTransaction OperationKind = iota
	OpRollBuy
	OpRollSell
	OpExecuteSC
)

// OperationPayload is implemented by each of the four operation bodies.
type OperationPayload interface {
	Kind() OperationKind
}

type TransactionPayload struct {
	Recipient Address
	Amount    Amount
}

func (TransactionPayload) Kind() OperationKind { return OpTransaction }

type RollBuyPayload struct {
	RollCount uint64
}

func (RollBuyPayload) Kind() OperationKind { return OpRollBuy }

type RollSellPayload struct {
	RollCount uint64
}

func (RollSellPayload) Kind() OperationKind { return OpRollSell }

type ExecuteSCPayload struct {
	Bytecode  []byte
	Parameter []byte
	MaxGas    uint64
}

func (ExecuteSCPayload) Kind() OperationKind { return OpExecuteSC }

// operationRLP is the flat, RLP-encodable mirror of Operation used only for
// hashing and wire transfer; Payload is reconstructed from Kind plus the
// relevant fields on decode.
type operationRLP struct {
	Fee             uint64
	SenderPublicKey []byte
	ExpirePeriod    uint64
	Signature       []byte
	Kind            uint8
	Recipient       [32]byte
	Amount          uint64
	RollCount       uint64
	Bytecode        []byte
	Parameter       []byte
	MaxGas          uint64
}

// Operation is a signed operation: fee, sender, expiry and exactly one
// payload variant.
type Operation struct {
	Fee             Amount
	SenderPublicKey []byte
	ExpirePeriod    uint64
	Payload         OperationPayload
	Signature       []byte

	cachedID *OperationId
}

// SenderAddress derives the sending address from the public key the same
// way address.go derives any address.
func (op *Operation) SenderAddress() Address {
	return NewAddressFromPublicKey(op.SenderPublicKey)
}

func (op *Operation) toRLP() operationRLP {
	out := operationRLP{
		Fee:             op.Fee.Raw(),
		SenderPublicKey: op.SenderPublicKey,
		ExpirePeriod:    op.ExpirePeriod,
		Signature:       op.Signature,
		Kind:            uint8(op.Payload.Kind()),
	}
	switch p := op.Payload.(type) {
	case *TransactionPayload:
		out.Recipient = [32]byte(p.Recipient)
		out.Amount = p.Amount.Raw()
	case *RollBuyPayload:
		out.RollCount = p.RollCount
	case *RollSellPayload:
		out.RollCount = p.RollCount
	case *ExecuteSCPayload:
		out.Bytecode = p.Bytecode
		out.Parameter = p.Parameter
		out.MaxGas = p.MaxGas
	}
	return out
}

// EncodeRLP returns the canonical RLP encoding of the signed operation.
func (op *Operation) EncodeRLP() ([]byte, error) {
	return rlp.EncodeToBytes(op.toRLP())
}

// rlpOperationBody encodes op with the signature field cleared, the bytes
// signing.go signs and verifies against (signing the signature itself would
// be circular).
func rlpOperationBody(op *Operation) ([]byte, error) {
	flat := op.toRLP()
	flat.Signature = nil
	return rlp.EncodeToBytes(flat)
}

// ID returns (and caches) the operation id: double-SHA256 over the RLP
// encoding, the same scheme block headers use.
func (op *Operation) ID() (OperationId, error) {
	if op.cachedID != nil {
		return *op.cachedID, nil
	}
	raw, err := op.EncodeRLP()
	if err != nil {
		return OperationId{}, fmt.Errorf("%w: encode operation: %v", ErrSerialize, err)
	}
	first := sha256.Sum256(raw)
	second := sha256.Sum256(first[:])
	id := OperationId(second)
	op.cachedID = &id
	return id, nil
}

// DecodeOperation reconstructs an Operation from its RLP wire form.
func DecodeOperation(raw []byte) (*Operation, error) {
	var flat operationRLP
	if err := rlp.DecodeBytes(raw, &flat); err != nil {
		return nil, fmt.Errorf("%w: decode operation: %v", ErrParsing, err)
	}
	op := &Operation{
		Fee:             NewAmount(flat.Fee),
		SenderPublicKey: flat.SenderPublicKey,
		ExpirePeriod:    flat.ExpirePeriod,
		Signature:       flat.Signature,
	}
	switch OperationKind(flat.Kind) {
	case OpTransaction:
		op.Payload = &TransactionPayload{Recipient: Address(flat.Recipient), Amount: NewAmount(flat.Amount)}
	case OpRollBuy:
		op.Payload = &RollBuyPayload{RollCount: flat.RollCount}
	case OpRollSell:
		op.Payload = &RollSellPayload{RollCount: flat.RollCount}
	case OpExecuteSC:
		op.Payload = &ExecuteSCPayload{Bytecode: flat.Bytecode, Parameter: flat.Parameter, MaxGas: flat.MaxGas}
	default:
		return nil, fmt.Errorf("%w: unknown operation kind %d", ErrParsing, flat.Kind)
	}
	return op, nil
}
