package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested object does not exist in storage.
	ErrNotFound = errors.New("not found")
	// ErrKnownBlock is returned when a block is already in the tree or orphan pool.
	ErrKnownBlock = errors.New("block already known")
	// ErrKnownTx is returned when a transaction is already pending.
	ErrKnownTx = errors.New("transaction already pending")
	// ErrPoolFull is returned when the mempool is at capacity.
	ErrPoolFull = errors.New("mempool full")
	// ErrLedgerInconsistency marks a validated block that failed to apply to
	// the ledger. It indicates an integrity anomaly, not a bad peer.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
)

// RejectKind classifies why a block or transaction was refused.
type RejectKind int

const (
	KindStructural RejectKind = iota + 1
	KindHashMismatch
	KindBadSignature
	KindNonceConflict
	KindDoubleSpend
	KindUnauthorized
	KindUnknownPredecessor
)

var kindNames = map[RejectKind]string{
	KindStructural:         "structural",
	KindHashMismatch:       "hash_mismatch",
	KindBadSignature:       "bad_signature",
	KindNonceConflict:      "nonce_conflict",
	KindDoubleSpend:        "double_spend",
	KindUnauthorized:       "unauthorized",
	KindUnknownPredecessor: "unknown_predecessor",
}

func (k RejectKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// RejectClass groups kinds by how the caller should react.
type RejectClass int

const (
	// ClassStructural: malformed input. The source is penalised.
	ClassStructural RejectClass = iota + 1
	// ClassCryptographic: bad signature or hash. The source is penalised.
	ClassCryptographic
	// ClassDoubleSpend: well-formed but conflicts with ledger state.
	ClassDoubleSpend
	// ClassPending: cannot be judged yet.
	ClassPending
)

func (c RejectClass) String() string {
	switch c {
	case ClassStructural:
		return "structural"
	case ClassCryptographic:
		return "cryptographic"
	case ClassDoubleSpend:
		return "double_spend"
	case ClassPending:
		return "pending"
	}
	return "unknown"
}

// Class maps a kind to its reaction class.
func (k RejectKind) Class() RejectClass {
	switch k {
	case KindHashMismatch, KindBadSignature, KindUnauthorized:
		return ClassCryptographic
	case KindNonceConflict, KindDoubleSpend:
		return ClassDoubleSpend
	case KindUnknownPredecessor:
		return ClassPending
	default:
		return ClassStructural
	}
}

// Penalizes reports whether a rejection of this kind should count against the peer that sent it.
func (k RejectKind) Penalizes() bool {
	c := k.Class()
	return c == ClassStructural || c == ClassCryptographic
}

// RejectError is the typed rejection returned by validation and submission.
type RejectError struct {
	Kind   RejectKind
	Reason string
	TxID   string // offending transaction, if any
}

func (e *RejectError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("%s: tx %s: %s", e.Kind, e.TxID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Rejectf builds a RejectError with a formatted reason.
func Rejectf(kind RejectKind, format string, args ...any) *RejectError {
	return &RejectError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WithTx returns a copy of e attributed to txID.
func (e *RejectError) WithTx(txID string) *RejectError {
	cp := *e
	cp.TxID = txID
	return &cp
}

// KindOf extracts the rejection kind from err, or 0 if err is not a rejection.
func KindOf(err error) RejectKind {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}
