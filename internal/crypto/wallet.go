package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// ErrBadSignature is returned when a wallet signature does not verify.
var ErrBadSignature = errors.New("bad wallet signature")

// DecodePublicKey parses a base58 Solana address into an ed25519 public key.
func DecodePublicKey(address string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("address length %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyWalletSignature checks a base58 ed25519 signature of message by address.
func VerifyWalletSignature(address string, message []byte, signature string) error {
	pub, err := DecodePublicKey(address)
	if err != nil {
		return err
	}
	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(pub, message, sig) {
		return ErrBadSignature
	}
	return nil
}
