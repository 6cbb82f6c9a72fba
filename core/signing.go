package core

import (
	"fmt"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// signing.go provides the Ed25519 keypairs block headers and operations are
// signed with. The libp2p core/crypto package is already in the dependency
// graph for the transport layer (network.go); reusing it here avoids a
// second signing dependency for what is, at heart, the same key type the
// network identity uses.

// KeyPair wraps a libp2p Ed25519 private/public key pair.
type KeyPair struct {
	Priv p2pcrypto.PrivKey
	Pub  p2pcrypto.PubKey
}

// GenerateKeyPair creates a fresh Ed25519 signing identity.
func GenerateKeyPair() (*KeyPair, error) {
	priv, pub, err := p2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &KeyPair{Priv: priv, Pub: pub}, nil
}

// PublicKeyBytes returns the raw (non-protobuf) public key bytes, the form
// stored on BlockHeader.CreatorPublicKey and Operation.SenderPublicKey.
func (k *KeyPair) PublicKeyBytes() ([]byte, error) {
	return k.Pub.Raw()
}

// Sign produces a signature over data.
func (k *KeyPair) Sign(data []byte) ([]byte, error) {
	return k.Priv.Sign(data)
}

// VerifySignature checks sig over data against the raw Ed25519 public key
// bytes pubKeyBytes, as carried on-wire in headers and operations.
func VerifySignature(pubKeyBytes, data, sig []byte) (bool, error) {
	pub, err := p2pcrypto.UnmarshalEd25519PublicKey(pubKeyBytes)
	if err != nil {
		return false, fmt.Errorf("unmarshal public key: %w", err)
	}
	ok, err := pub.Verify(data, sig)
	if err != nil {
		return false, fmt.Errorf("verify signature: %w", err)
	}
	return ok, nil
}

// SignBlockHeader signs the header's RLP encoding and returns a fully
// signed header.
func SignBlockHeader(kp *KeyPair, header BlockHeader) (SignedBlockHeader, error) {
	raw, err := header.EncodeRLP()
	if err != nil {
		return SignedBlockHeader{}, err
	}
	sig, err := kp.Sign(raw)
	if err != nil {
		return SignedBlockHeader{}, err
	}
	return SignedBlockHeader{Header: header, Signature: sig}, nil
}

// VerifyBlockHeader checks a signed header's signature against its embedded
// creator public key.
func VerifyBlockHeader(sh SignedBlockHeader) error {
	raw, err := sh.Header.EncodeRLP()
	if err != nil {
		return err
	}
	ok, err := VerifySignature(sh.Header.CreatorPublicKey, raw, sh.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParsing, err)
	}
	if !ok {
		return fmt.Errorf("%w: block header signature invalid", ErrParsing)
	}
	return nil
}

// SignEndorsement signs e's body (everything but Signature) and returns the
// fully signed endorsement, used when a block creator attaches the
// endorsements it has collected to its header.
func SignEndorsement(kp *KeyPair, e Endorsement) (Endorsement, error) {
	raw, err := e.rlpBody()
	if err != nil {
		return Endorsement{}, err
	}
	sig, err := kp.Sign(raw)
	if err != nil {
		return Endorsement{}, err
	}
	e.Signature = sig
	return e, nil
}

// VerifyEndorsement checks e's signature against its embedded creator public
// key; it does not check that EndorsedBlock is known to the graph or that
// its slot precedes e's own — that consistency check belongs to the block
// graph, which has the ancestry to evaluate it.
func VerifyEndorsement(e Endorsement) error {
	raw, err := e.rlpBody()
	if err != nil {
		return err
	}
	ok, err := VerifySignature(e.CreatorPubKey, raw, e.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParsing, err)
	}
	if !ok {
		return fmt.Errorf("%w: endorsement signature invalid", ErrParsing)
	}
	return nil
}

// SignOperation signs op's RLP-encodable body (everything but the signature
// field) and records the signature on op.
func SignOperation(kp *KeyPair, op *Operation) error {
	raw, err := rlpOperationBody(op)
	if err != nil {
		return err
	}
	sig, err := kp.Sign(raw)
	if err != nil {
		return err
	}
	op.Signature = sig
	op.cachedID = nil
	return nil
}

// VerifyOperation checks op's signature against its sender public key.
func VerifyOperation(op *Operation) error {
	raw, err := rlpOperationBody(op)
	if err != nil {
		return err
	}
	ok, err := VerifySignature(op.SenderPublicKey, raw, op.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParsing, err)
	}
	if !ok {
		return fmt.Errorf("%w: operation signature invalid", ErrParsing)
	}
	return nil
}
