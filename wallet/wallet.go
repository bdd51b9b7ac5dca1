package wallet

import (
	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/crypto"
)

// Wallet holds a key pair and builds signed transfers from it.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key.
func (w *Wallet) PrivKey() crypto.PrivateKey { return w.priv }

// PubKey returns the hex-encoded public key.
func (w *Wallet) PubKey() string { return w.pub.Hex() }

// Address returns the account address owned by this wallet.
func (w *Wallet) Address() string { return w.pub.Address() }

// Transfer builds and signs a transfer of amount to the address to. nonce
// must be the account's next nonce counting pending transfers. Transfers
// that no node would accept are refused here.
func (w *Wallet) Transfer(chainID, to string, amount, nonce uint64, memo string) (*core.Transaction, error) {
	tx := core.NewTransfer(chainID, w.pub, to, amount, nonce, memo)
	if r := tx.CheckShape(chainID); r != nil {
		return nil, r
	}
	tx.Sign(w.priv)
	return tx, nil
}
