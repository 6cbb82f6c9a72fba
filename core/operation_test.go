package core

import "testing"

func signedTransactionOp(t *testing.T, recipient Address, amount uint64) *Operation {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	pub, err := kp.PublicKeyBytes()
	if err != nil {
		t.Fatalf("public key bytes: %v", err)
	}
	op := &Operation{
		Fee:             NewAmount(10),
		SenderPublicKey: pub,
		ExpirePeriod:    100,
		Payload:         &TransactionPayload{Recipient: recipient, Amount: NewAmount(amount)},
	}
	if err := SignOperation(kp, op); err != nil {
		t.Fatalf("sign operation: %v", err)
	}
	return op
}

func TestOperationSignAndVerify(t *testing.T) {
	op := signedTransactionOp(t, Address{0x01}, 500)
	if err := VerifyOperation(op); err != nil {
		t.Fatalf("verify operation: %v", err)
	}
}

func TestOperationVerifyRejectsTamperedFee(t *testing.T) {
	op := signedTransactionOp(t, Address{0x01}, 500)
	op.Fee = NewAmount(999)
	if err := VerifyOperation(op); err == nil {
		t.Fatalf("expected signature verification to fail after tampering")
	}
}

func TestOperationEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload OperationPayload
	}{
		{"transaction", &TransactionPayload{Recipient: Address{0x02}, Amount: NewAmount(42)}},
		{"roll buy", &RollBuyPayload{RollCount: 3}},
		{"roll sell", &RollSellPayload{RollCount: 7}},
		{"execute sc", &ExecuteSCPayload{Bytecode: []byte{0x01, 0x02}, Parameter: []byte{0xAA}, MaxGas: 1000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kp, err := GenerateKeyPair()
			if err != nil {
				t.Fatalf("generate keypair: %v", err)
			}
			pub, err := kp.PublicKeyBytes()
			if err != nil {
				t.Fatalf("public key bytes: %v", err)
			}
			op := &Operation{Fee: NewAmount(1), SenderPublicKey: pub, ExpirePeriod: 1, Payload: tc.payload}
			if err := SignOperation(kp, op); err != nil {
				t.Fatalf("sign: %v", err)
			}
			raw, err := op.EncodeRLP()
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, err := DecodeOperation(raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if decoded.Payload.Kind() != tc.payload.Kind() {
				t.Fatalf("kind mismatch: got %v want %v", decoded.Payload.Kind(), tc.payload.Kind())
			}
			if err := VerifyOperation(decoded); err != nil {
				t.Fatalf("verify decoded: %v", err)
			}
			id1, err := op.ID()
			if err != nil {
				t.Fatalf("id: %v", err)
			}
			id2, err := decoded.ID()
			if err != nil {
				t.Fatalf("id decoded: %v", err)
			}
			if id1 != id2 {
				t.Fatalf("operation id changed across encode/decode round trip")
			}
		})
	}
}

func TestOperationIDCached(t *testing.T) {
	op := signedTransactionOp(t, Address{0x03}, 1)
	id1, err := op.ID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	id2, err := op.ID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("cached id changed between calls")
	}
}
