package core

import (
	"encoding/json"
	"time"

	"github.com/tolelom/wagerchain/crypto"
)

// MaxMemoLen bounds the free-text memo attached to a transfer.
const MaxMemoLen = 256

// Transaction moves Amount from From to To. It is immutable once signed.
// Signature covers every field except ID and Signature; ID is the hash of
// the signed body.
type Transaction struct {
	ID        string `json:"id"`
	ChainID   string `json:"chain_id"`
	From      string `json:"from"` // sender address
	To        string `json:"to"`   // recipient address
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Memo      string `json:"memo,omitempty"`
	Timestamp int64  `json:"timestamp"`
	PubKey    string `json:"pubkey"` // sender ed25519 public key hex
	Signature string `json:"signature"`
}

type txSigningBody struct {
	ChainID   string `json:"chain_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Memo      string `json:"memo"`
	Timestamp int64  `json:"timestamp"`
	PubKey    string `json:"pubkey"`
}

// NewTransfer builds an unsigned transfer stamped with the current time.
func NewTransfer(chainID string, pub crypto.PublicKey, to string, amount, nonce uint64, memo string) *Transaction {
	return &Transaction{
		ChainID:   chainID,
		From:      pub.Address(),
		To:        to,
		Amount:    amount,
		Nonce:     nonce,
		Memo:      memo,
		Timestamp: time.Now().UnixNano(),
		PubKey:    pub.Hex(),
	}
}

// Hash returns the digest of the signed body.
func (tx *Transaction) Hash() string {
	data, err := json.Marshal(txSigningBody{
		ChainID:   tx.ChainID,
		From:      tx.From,
		To:        tx.To,
		Amount:    tx.Amount,
		Nonce:     tx.Nonce,
		Memo:      tx.Memo,
		Timestamp: tx.Timestamp,
		PubKey:    tx.PubKey,
	})
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign signs the body with priv and sets ID.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	h := tx.Hash()
	tx.Signature = crypto.Sign(priv, []byte(h))
	tx.ID = h
}

// CheckShape validates fields that need no ledger state.
func (tx *Transaction) CheckShape(chainID string) *RejectError {
	switch {
	case tx.ChainID != chainID:
		return Rejectf(KindStructural, "chain id %q, expected %q", tx.ChainID, chainID)
	case !crypto.IsAddress(tx.From):
		return Rejectf(KindStructural, "malformed sender address")
	case !crypto.IsAddress(tx.To):
		return Rejectf(KindStructural, "malformed recipient address")
	case tx.From == tx.To:
		return Rejectf(KindStructural, "sender and recipient are the same account")
	case tx.Amount == 0:
		return Rejectf(KindStructural, "amount must be positive")
	case len(tx.Memo) > MaxMemoLen:
		return Rejectf(KindStructural, "memo is %d bytes, limit %d", len(tx.Memo), MaxMemoLen)
	}
	return nil
}

// CheckHash reports a mismatch between ID and the body digest.
func (tx *Transaction) CheckHash() *RejectError {
	if tx.ID != tx.Hash() {
		return Rejectf(KindHashMismatch, "id does not match body hash")
	}
	return nil
}

// Verify checks that PubKey owns From and signed the body.
func (tx *Transaction) Verify() *RejectError {
	pub, err := crypto.PubKeyFromHex(tx.PubKey)
	if err != nil {
		return Rejectf(KindBadSignature, "sender key: %v", err)
	}
	if pub.Address() != tx.From {
		return Rejectf(KindBadSignature, "sender key does not own address %s", tx.From)
	}
	if err := crypto.Verify(pub, []byte(tx.Hash()), tx.Signature); err != nil {
		return Rejectf(KindBadSignature, "%v", err)
	}
	return nil
}

// Check runs shape, hash and signature checks in that order.
func (tx *Transaction) Check(chainID string) error {
	if r := tx.CheckShape(chainID); r != nil {
		return r.WithTx(tx.ID)
	}
	if r := tx.CheckHash(); r != nil {
		return r.WithTx(tx.ID)
	}
	if r := tx.Verify(); r != nil {
		return r.WithTx(tx.ID)
	}
	return nil
}
