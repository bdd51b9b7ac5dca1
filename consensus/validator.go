// Package consensus decides which blocks are valid and which branch of the
// block tree is canonical, and builds new blocks for authorised proposers.
package consensus

import (
	"time"

	"github.com/tolelom/wagerchain/core"
)

const (
	defaultMaxBlockTxs   = 500
	defaultMaxClockDrift = 2 * time.Minute
)

// ValidatorConfig holds the rules a block is judged against.
type ValidatorConfig struct {
	ChainID string
	// Authorized lists proposer public keys (hex). Empty admits any proposer
	// whose signature verifies.
	Authorized    []string
	MaxBlockTxs   int
	MaxClockDrift time.Duration
	Clock         func() time.Time
}

// Validator checks candidate blocks. It holds no chain state of its own.
type Validator struct {
	cfg        ValidatorConfig
	authorized map[string]struct{}
}

// NewValidator returns a Validator for cfg.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.MaxBlockTxs <= 0 {
		cfg.MaxBlockTxs = defaultMaxBlockTxs
	}
	if cfg.MaxClockDrift <= 0 {
		cfg.MaxClockDrift = defaultMaxClockDrift
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	auth := make(map[string]struct{}, len(cfg.Authorized))
	for _, k := range cfg.Authorized {
		auth[k] = struct{}{}
	}
	return &Validator{cfg: cfg, authorized: auth}
}

// Authorized reports whether pubHex may propose blocks.
func (v *Validator) Authorized(pubHex string) bool {
	if len(v.authorized) == 0 {
		return pubHex != ""
	}
	_, ok := v.authorized[pubHex]
	return ok
}

// Validate judges b as a child of parent whose post-state is parentState.
// Checks run in order (structure, content hash, signatures, simulated
// application, proposer) and stop at the first failure. On success it
// returns the state after b; parentState is never modified.
func (v *Validator) Validate(b, parent *core.Block, parentState *core.State) (*core.State, error) {
	if parent == nil {
		return nil, core.Rejectf(core.KindUnknownPredecessor, "predecessor %s unknown", b.Header.PrevHash)
	}
	if r := v.checkStructure(b); r != nil {
		return nil, r
	}
	if r := checkLinkage(b, parent); r != nil {
		return nil, r
	}
	if r := checkHashes(b); r != nil {
		return nil, r
	}
	if r := checkSignatures(b); r != nil {
		return nil, r
	}
	post := parentState.Clone()
	if r := post.ApplyBlock(b); r != nil {
		return nil, r
	}
	if r := v.checkProposer(b); r != nil {
		return nil, r
	}
	return post, nil
}

// CheckIntrinsic runs every check that does not need the predecessor. It
// screens orphans before they take a slot in the pool.
func (v *Validator) CheckIntrinsic(b *core.Block) error {
	if r := v.checkStructure(b); r != nil {
		return r
	}
	if r := checkHashes(b); r != nil {
		return r
	}
	if r := checkSignatures(b); r != nil {
		return r
	}
	if r := v.checkProposer(b); r != nil {
		return r
	}
	return nil
}

func (v *Validator) checkStructure(b *core.Block) *core.RejectError {
	if b.Header.Height < 1 {
		return core.Rejectf(core.KindStructural, "height %d is reserved for genesis", b.Header.Height)
	}
	if len(b.Transactions) == 0 {
		return core.Rejectf(core.KindStructural, "block carries no transactions")
	}
	if len(b.Transactions) > v.cfg.MaxBlockTxs {
		return core.Rejectf(core.KindStructural, "%d transactions exceed limit %d", len(b.Transactions), v.cfg.MaxBlockTxs)
	}
	if drift := b.Header.Timestamp - v.cfg.Clock().UnixNano(); drift > int64(v.cfg.MaxClockDrift) {
		return core.Rejectf(core.KindStructural, "timestamp %s ahead of local clock", time.Duration(drift))
	}
	for _, tx := range b.Transactions {
		if tx == nil {
			return core.Rejectf(core.KindStructural, "nil transaction")
		}
		if r := tx.CheckShape(v.cfg.ChainID); r != nil {
			return r.WithTx(tx.ID)
		}
	}
	return nil
}

func checkLinkage(b, parent *core.Block) *core.RejectError {
	if b.Header.PrevHash != parent.Hash {
		return core.Rejectf(core.KindStructural, "prev hash does not match predecessor")
	}
	if b.Header.Height != parent.Header.Height+1 {
		return core.Rejectf(core.KindStructural, "height %d does not follow %d", b.Header.Height, parent.Header.Height)
	}
	if b.Header.Timestamp <= parent.Header.Timestamp {
		return core.Rejectf(core.KindStructural, "timestamp not after predecessor")
	}
	return nil
}

func checkHashes(b *core.Block) *core.RejectError {
	if b.Hash != b.ComputeHash() {
		return core.Rejectf(core.KindHashMismatch, "block hash does not match header")
	}
	if b.Header.TxRoot != core.ComputeTxRoot(b.Transactions) {
		return core.Rejectf(core.KindHashMismatch, "tx root does not match transactions")
	}
	for _, tx := range b.Transactions {
		if r := tx.CheckHash(); r != nil {
			return r.WithTx(tx.ID)
		}
	}
	return nil
}

func checkSignatures(b *core.Block) *core.RejectError {
	for _, tx := range b.Transactions {
		if r := tx.Verify(); r != nil {
			return r.WithTx(tx.ID)
		}
	}
	return nil
}

func (v *Validator) checkProposer(b *core.Block) *core.RejectError {
	if !v.Authorized(b.Header.Proposer) {
		return core.Rejectf(core.KindUnauthorized, "proposer %.16s is not authorised", b.Header.Proposer)
	}
	if err := b.VerifySignature(); err != nil {
		return core.Rejectf(core.KindBadSignature, "block signature: %v", err)
	}
	return nil
}
