package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// AddressLen is the length of a hex-encoded account address.
const AddressLen = 40

// PrivateKey holds ed25519 private key bytes.
type PrivateKey []byte

// PublicKey holds ed25519 public key bytes.
type PublicKey []byte

// GenerateKeyPair creates a fresh ed25519 key pair from crypto/rand.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	return PrivateKey(priv), PublicKey(pub), nil
}

// KeyFromSeed derives a private key deterministically from a 32-byte seed.
func KeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return PrivateKey(ed25519.NewKeyFromSeed(seed)), nil
}

// Address is the account identifier: hex of the first 20 bytes of SHA-256(pubkey).
func (pub PublicKey) Address() string {
	return hex.EncodeToString(HashBytes(pub)[:AddressLen/2])
}

func (pub PublicKey) Hex() string { return hex.EncodeToString(pub) }

func (priv PrivateKey) Hex() string { return hex.EncodeToString(priv) }

// Public returns the public half of the key.
func (priv PrivateKey) Public() PublicKey {
	return PublicKey(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey))
}

// PubKeyFromHex parses a hex-encoded ed25519 public key.
func PubKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode pubkey: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pubkey is %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return PublicKey(b), nil
}

// PrivKeyFromHex parses a hex-encoded ed25519 private key.
func PrivKeyFromHex(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode privkey: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("privkey is %d bytes, want %d", len(b), ed25519.PrivateKeySize)
	}
	return PrivateKey(b), nil
}

// AddressFromPubKeyHex derives the address owned by a hex public key.
func AddressFromPubKeyHex(s string) (string, error) {
	pub, err := PubKeyFromHex(s)
	if err != nil {
		return "", err
	}
	return pub.Address(), nil
}

// IsAddress reports whether s has the shape of an account address.
func IsAddress(s string) bool {
	return len(s) == AddressLen && isLowerHex(s)
}
