// Package signing implements the purpose-tagged EdDSA signatures the
// merchant backend produces: every signed blob is (purpose uint32, size
// uint32, payload...) so that a signature over one purpose can never be
// replayed as a signature over another. The underlying primitive is
// ed25519 from the standard library -- the signature
// scheme itself out of scope ("black-box operations with named
// purposes"), so there is no third-party signing library to wire in.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Purpose tags the semantic meaning of a signed blob. Each corresponds
// to a distinct eventuality in the spec; reusing one purpose's
// signature as another's is rejected by Verify.
type Purpose uint32

const (
	PurposeMerchantContract Purpose = 1 // MERCHANT_CONTRACT: sig over h_proposal
	PurposeMerchantRefund   Purpose = 2 // MERCHANT_REFUND: sig over a refund permission
	PurposeMerchantPaymentOK Purpose = 3 // MERCHANT_PAYMENT_OK: sig over h_contract_terms
	PurposeMerchantPaySession Purpose = 4 // MERCHANT_PAY_SESSION: sig over h(order_id), h(session_id)
)

// KeyPair is an instance's EdDSA signing keypair.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh random keypair, used by tests and by
// instance.BootstrapKeyFile.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("signing: generate: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// FromSeed reconstructs a keypair from a 32-byte Ed25519 seed, the
// format persisted in an instance's private-key file.
func FromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("signing: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// blob builds the (purpose, size, payload) buffer that is actually signed.
func blob(purpose Purpose, payload []byte) []byte {
	b := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(b[0:4], uint32(purpose))
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
	copy(b[8:], payload)
	return b
}

// Sign signs payload under purpose with kp's private key.
func Sign(kp KeyPair, purpose Purpose, payload []byte) []byte {
	return ed25519.Sign(kp.Private, blob(purpose, payload))
}

// Verify checks sig was produced by Sign(kp-with-public-key pub, purpose, payload).
func Verify(pub ed25519.PublicKey, purpose Purpose, payload, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, blob(purpose, payload), sig)
}
