// Package wallet manages player and validator keys and builds signed
// transfers.
package wallet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tolelom/wagerchain/crypto"
)

const (
	keystoreVersion = 1
	kdfIterations   = 210_000
)

// ErrWrongPassword is returned when a keystore cannot be decrypted.
var ErrWrongPassword = errors.New("wrong password or corrupted keystore")

type keystoreFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	PubKey     string `json:"pub_key"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

// SaveKey encrypts priv with a PBKDF2-derived AES-GCM key and writes it to
// path with owner-only permissions. The address and public key stay in the
// clear so tooling can list keys without the password.
func SaveKey(path, password string, priv crypto.PrivateKey) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	gcm, err := newGCM(password, salt, kdfIterations)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	pub := priv.Public()
	ks := keystoreFile{
		Version:    keystoreVersion,
		Address:    pub.Address(),
		PubKey:     pub.Hex(),
		KDF:        "pbkdf2-sha256",
		Iterations: kdfIterations,
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(gcm.Seal(nil, nonce, priv, []byte(pub.Hex()))),
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadKey decrypts the keystore at path and checks the key against the
// public key recorded beside it.
func LoadKey(path, password string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	if ks.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", ks.Version)
	}
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, fmt.Errorf("keystore salt: %w", err)
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return nil, fmt.Errorf("keystore nonce: %w", err)
	}
	cipherText, err := hex.DecodeString(ks.CipherText)
	if err != nil {
		return nil, fmt.Errorf("keystore cipher text: %w", err)
	}
	gcm, err := newGCM(password, salt, ks.Iterations)
	if err != nil {
		return nil, err
	}
	raw, err := gcm.Open(nil, nonce, cipherText, []byte(ks.PubKey))
	if err != nil {
		return nil, ErrWrongPassword
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keystore holds %d key bytes", len(raw))
	}
	priv := crypto.PrivateKey(raw)
	if !bytes.Equal(priv.Public(), mustHex(ks.PubKey)) {
		return nil, errors.New("keystore public key does not match private key")
	}
	return priv, nil
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("keystore iterations %d", iterations)
	}
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func mustHex(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
