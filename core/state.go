package core

import (
	"math"
	"sort"
	"strconv"

	"github.com/tolelom/wagerchain/crypto"
)

// Account is a participant's balance and next expected nonce.
type Account struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// State maps addresses to accounts. It is a value object: the ledger clones
// it before applying a block and never mutates a state it has published.
type State struct {
	accounts map[string]Account
}

// NewState returns a state funded by alloc.
func NewState(alloc map[string]uint64) *State {
	s := &State{accounts: make(map[string]Account, len(alloc))}
	for addr, bal := range alloc {
		s.accounts[addr] = Account{Address: addr, Balance: bal}
	}
	return s
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	cp := &State{accounts: make(map[string]Account, len(s.accounts))}
	for k, v := range s.accounts {
		cp.accounts[k] = v
	}
	return cp
}

// Account returns the account at addr; unknown addresses are empty accounts.
func (s *State) Account(addr string) Account {
	if acc, ok := s.accounts[addr]; ok {
		return acc
	}
	return Account{Address: addr}
}

func (s *State) Balance(addr string) uint64 { return s.Account(addr).Balance }

func (s *State) NextNonce(addr string) uint64 { return s.Account(addr).Nonce }

// Len returns the number of accounts ever touched.
func (s *State) Len() int { return len(s.accounts) }

// ApplyTx debits the sender, credits the recipient and bumps the sender nonce.
// On error the state is unchanged.
func (s *State) ApplyTx(tx *Transaction) *RejectError {
	if tx.From == tx.To {
		return Rejectf(KindStructural, "self transfer").WithTx(tx.ID)
	}
	from := s.Account(tx.From)
	if tx.Nonce != from.Nonce {
		return Rejectf(KindNonceConflict, "nonce %d, expected %d", tx.Nonce, from.Nonce).WithTx(tx.ID)
	}
	if from.Balance < tx.Amount {
		return Rejectf(KindDoubleSpend, "balance %d below amount %d", from.Balance, tx.Amount).WithTx(tx.ID)
	}
	to := s.Account(tx.To)
	if to.Balance > math.MaxUint64-tx.Amount {
		return Rejectf(KindStructural, "recipient balance overflow").WithTx(tx.ID)
	}
	from.Balance -= tx.Amount
	from.Nonce++
	to.Balance += tx.Amount
	s.accounts[from.Address] = from
	s.accounts[to.Address] = to
	return nil
}

// ApplyBlock applies b's transactions in order. It stops at the first
// failure and leaves earlier transactions applied, so callers apply to a clone.
func (s *State) ApplyBlock(b *Block) *RejectError {
	for _, tx := range b.Transactions {
		if r := s.ApplyTx(tx); r != nil {
			return r
		}
	}
	return nil
}

// Accounts returns all accounts sorted by address.
func (s *State) Accounts() []Account {
	out := make([]Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Root is a deterministic digest of every account, used to compare states
// across nodes.
func (s *State) Root() string {
	accs := s.Accounts()
	parts := make([]string, 0, 3*len(accs))
	for _, acc := range accs {
		parts = append(parts, acc.Address,
			strconv.FormatUint(acc.Balance, 10),
			strconv.FormatUint(acc.Nonce, 10))
	}
	return crypto.HashConcat(parts...)
}

// Total returns the sum of all balances.
func (s *State) Total() uint64 {
	var sum uint64
	for _, acc := range s.accounts {
		sum += acc.Balance
	}
	return sum
}
