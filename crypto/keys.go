package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// Address identifies a pool, mint, or moderator-authority public key, encoded
// the way Solana-style programs address accounts: base58 over raw bytes.
// The futarchy engine itself never validates on-chain ownership of an
// address; it only needs a stable, comparable identifier for map keys and
// persistence.
type Address struct {
	bytes []byte
}

// NewAddress wraps a 32-byte public key as an Address.
func NewAddress(b []byte) (Address, error) {
	if len(b) != ed25519.PublicKeySize {
		return Address{}, fmt.Errorf("crypto: address must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	cloned := append([]byte(nil), b...)
	return Address{bytes: cloned}, nil
}

// MustNewAddress constructs an address and panics if the input is invalid.
// Reserved for static test fixtures.
func MustNewAddress(b []byte) Address {
	addr, err := NewAddress(b)
	if err != nil {
		panic(err)
	}
	return addr
}

// String renders the address in base58, matching the on-chain account
// addressing scheme this engine's AMM and vault adapters speak.
func (a Address) String() string {
	return base58.Encode(a.bytes)
}

// Bytes returns a defensive copy of the underlying public key bytes.
func (a Address) Bytes() []byte {
	return append([]byte(nil), a.bytes...)
}

// IsZero reports whether the address has not been populated.
func (a Address) IsZero() bool {
	return len(a.bytes) == 0
}

// DecodeAddress parses a base58-encoded Solana-style address.
func DecodeAddress(encoded string) (Address, error) {
	decoded := base58.Decode(encoded)
	if len(decoded) == 0 {
		return Address{}, fmt.Errorf("crypto: invalid base58 address %q", encoded)
	}
	return NewAddress(decoded)
}

// SigningKey is an ed25519 keypair used for signing settlement transactions:
// removeLiquidity, vault finalize/redeem, and withdraw-API confirmations.
// Moderator.poolAuthorities maps pool addresses to one of these.
type SigningKey struct {
	priv ed25519.PrivateKey
}

// GenerateSigningKey creates a fresh ed25519 signing key.
func GenerateSigningKey() (SigningKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKey{}, fmt.Errorf("crypto: generate signing key: %w", err)
	}
	return SigningKey{priv: priv}, nil
}

// SigningKeyFromBase58 decodes a base58 private key, the format the
// MANAGER_PRIVATE_KEY_<TICKER> environment variables supply per the
// configuration contract.
func SigningKeyFromBase58(encoded string) (SigningKey, error) {
	decoded := base58.Decode(encoded)
	if len(decoded) != ed25519.PrivateKeySize {
		return SigningKey{}, fmt.Errorf("crypto: signing key must decode to %d bytes, got %d", ed25519.PrivateKeySize, len(decoded))
	}
	return SigningKey{priv: append(ed25519.PrivateKey(nil), decoded...)}, nil
}

// Sign produces a detached signature over the supplied message.
func (k SigningKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}

// Address derives the public address authorised by this signing key.
func (k SigningKey) Address() Address {
	pub := k.priv.Public().(ed25519.PublicKey)
	return MustNewAddress(pub)
}

// Base58 renders the raw private key bytes in base58, the inverse of
// SigningKeyFromBase58. Callers are responsible for keeping the result out
// of logs; encryption at rest is handled outside this engine.
func (k SigningKey) Base58() string {
	return base58.Encode(k.priv)
}

// IsZero reports whether the signing key has not been populated.
func (k SigningKey) IsZero() bool {
	return len(k.priv) == 0
}
