package core

import "testing"

func TestEncodeDecodeIDsRoundTrip(t *testing.T) {
	ids := []OperationId{
		HashBytes([]byte("a")),
		HashBytes([]byte("b")),
		HashBytes([]byte("c")),
	}
	encoded := encodeIDs(ids)
	if len(encoded) != 32*len(ids) {
		t.Fatalf("encoded length = %d, want %d", len(encoded), 32*len(ids))
	}
	decoded, err := decodeIDs(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(ids) {
		t.Fatalf("decoded %d ids, want %d", len(decoded), len(ids))
	}
	for i := range ids {
		if decoded[i] != ids[i] {
			t.Fatalf("id %d mismatch: got %s want %s", i, decoded[i].Hex(), ids[i].Hex())
		}
	}
}

func TestDecodeIDsRejectsOddLength(t *testing.T) {
	if _, err := decodeIDs(make([]byte, 33)); err == nil {
		t.Fatalf("expected error for a non-multiple-of-32 body")
	}
}

func TestInMemoryOperationPool(t *testing.T) {
	pool := NewInMemoryOperationPool()

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	pub, err := kp.PublicKeyBytes()
	if err != nil {
		t.Fatalf("public key bytes: %v", err)
	}
	op := &Operation{
		Fee:             NewAmount(1),
		SenderPublicKey: pub,
		ExpirePeriod:    10,
		Payload:         &TransactionPayload{Recipient: Address{0x09}, Amount: NewAmount(5)},
	}
	if err := SignOperation(kp, op); err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := op.ID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}

	if pool.Has(id) {
		t.Fatalf("pool should not have the operation before Add")
	}
	if err := pool.Add(op); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !pool.Has(id) {
		t.Fatalf("pool should have the operation after Add")
	}
	got, ok := pool.Get(id)
	if !ok {
		t.Fatalf("Get reported not-found for an added operation")
	}
	gotID, err := got.ID()
	if err != nil {
		t.Fatalf("id of fetched operation: %v", err)
	}
	if gotID != id {
		t.Fatalf("fetched operation id mismatch")
	}
	if len(pool.Snapshot()) != 1 {
		t.Fatalf("snapshot should contain exactly one operation")
	}
}
