package node

import (
	"context"
	"fmt"
	"time"

	"github.com/tolelom/wagerchain/core"
)

// Status is a point-in-time summary of the node.
type Status struct {
	Height        int64  `json:"height"`
	TipHash       string `json:"tip_hash"`
	Genesis       string `json:"genesis"`
	Orphans       int    `json:"orphans"`
	MempoolSize   int    `json:"mempool_size"`
	Leaves        int    `json:"leaves"` // branch tips in the fork tree, canonical included
	Live          bool   `json:"live"`
	SinceProgress string `json:"since_progress"` // time since the canonical height last increased
}

// SubmitTransaction screens tx and, when accepted, queues and gossips it.
// Rejections come back as *core.RejectError.
func (s *Service) SubmitTransaction(ctx context.Context, tx *core.Transaction) error {
	var err error
	if cerr := s.call(ctx, func() { err = s.handleTx(tx, "") }); cerr != nil {
		return cerr
	}
	return err
}

// BalanceOf returns the confirmed-state balance of addr at the canonical tip.
func (s *Service) BalanceOf(ctx context.Context, addr string) (uint64, error) {
	var bal uint64
	err := s.call(ctx, func() { bal = s.ledger.BalanceOf(addr) })
	return bal, err
}

// Account returns the account record of addr at the canonical tip.
func (s *Service) Account(ctx context.Context, addr string) (core.Account, error) {
	var acc core.Account
	err := s.call(ctx, func() { acc = s.ledger.Account(addr) })
	return acc, err
}

// ConfirmationStatus reports where txID stands: pending, included at some
// depth, confirmed, rejected or unknown.
func (s *Service) ConfirmationStatus(ctx context.Context, txID string) (core.TxStatus, error) {
	var st core.TxStatus
	err := s.call(ctx, func() { st = s.statusOf(txID) })
	return st, err
}

func (s *Service) statusOf(txID string) core.TxStatus {
	if b, ok := s.resolver.Locate(txID); ok {
		depth := s.resolver.Height() - b.Height()
		st := core.TxStatus{State: core.TxIncluded, Depth: depth, BlockHash: b.Hash, Height: b.Height()}
		if depth >= s.cfg.ConfirmationDepth {
			st.State = core.TxConfirmed
		}
		return st
	}
	if s.ledger.Pool().Has(txID) {
		return core.TxStatus{State: core.TxPending}
	}
	if reason, ok := s.ledger.Rejection(txID); ok {
		return core.TxStatus{State: core.TxRejected, Reason: reason}
	}
	return core.TxStatus{State: core.TxUnknown}
}

// IsLive reports whether the canonical chain advanced recently.
func (s *Service) IsLive() bool { return s.monitor.IsLive() }

// Head returns the canonical tip.
func (s *Service) Head(ctx context.Context) (*core.Block, error) {
	var b *core.Block
	err := s.call(ctx, func() { b = s.resolver.Tip() })
	return b, err
}

// Block returns any validated block by hash.
func (s *Service) Block(ctx context.Context, hash string) (*core.Block, error) {
	var (
		b  *core.Block
		ok bool
	)
	if err := s.call(ctx, func() { b, ok = s.resolver.Block(hash) }); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("block %s: %w", short(hash), core.ErrNotFound)
	}
	return b, nil
}

// BlockByHeight returns the canonical block at height.
func (s *Service) BlockByHeight(ctx context.Context, height int64) (*core.Block, error) {
	var (
		b  *core.Block
		ok bool
	)
	if err := s.call(ctx, func() { b, ok = s.resolver.CanonicalAt(height) }); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("height %d: %w", height, core.ErrNotFound)
	}
	return b, nil
}

// IsCanonical reports whether hash is on the canonical chain.
func (s *Service) IsCanonical(ctx context.Context, hash string) (bool, error) {
	var ok bool
	err := s.call(ctx, func() { ok = s.resolver.IsCanonical(hash) })
	return ok, err
}

// MempoolSize returns the number of pending transactions.
func (s *Service) MempoolSize() int { return s.ledger.Pool().Size() }

// Status summarises the node.
func (s *Service) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.call(ctx, func() {
		st = Status{
			Height:      s.resolver.Height(),
			TipHash:     s.resolver.TipHash(),
			Genesis:     s.resolver.Genesis().Hash,
			Orphans:     s.resolver.OrphanCount(),
			MempoolSize: s.ledger.Pool().Size(),
			Leaves:      len(s.resolver.Leaves()),
		}
	})
	st.Live = s.monitor.IsLive()
	st.SinceProgress = s.monitor.SinceProgress().Round(time.Millisecond).String()
	return st, err
}

// Accounts lists every account on the canonical tip, sorted by address.
func (s *Service) Accounts(ctx context.Context) ([]core.Account, error) {
	var out []core.Account
	err := s.call(ctx, func() { out = s.ledger.State().Accounts() })
	return out, err
}

// Chain returns the canonical blocks from height from through to, clipped
// to the tip. A negative to means the tip.
func (s *Service) Chain(ctx context.Context, from, to int64) ([]*core.Block, error) {
	if from < 0 {
		from = 0
	}
	out := []*core.Block{}
	err := s.call(ctx, func() {
		if tip := s.resolver.Height(); to < 0 || to > tip {
			to = tip
		}
		for h := from; h <= to; h++ {
			b, ok := s.resolver.CanonicalAt(h)
			if !ok {
				break
			}
			out = append(out, b)
		}
	})
	return out, err
}

// depthOf backs the liveness monitor's confirmation queries.
func (s *Service) depthOf(txID string) (int64, bool) {
	var (
		d  int64
		ok bool
	)
	if err := s.call(context.Background(), func() { d, ok = s.resolver.ConfirmationDepth(txID) }); err != nil {
		return 0, false
	}
	return d, ok
}
