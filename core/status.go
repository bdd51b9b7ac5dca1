package core

// TxState is the lifecycle position of a transaction as seen by one node.
type TxState int

const (
	TxUnknown TxState = iota
	TxPending
	TxIncluded
	TxConfirmed
	TxRejected
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxIncluded:
		return "included"
	case TxConfirmed:
		return "confirmed"
	case TxRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// MarshalText lets TxState appear by name in JSON.
func (s TxState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TxStatus answers "where is my payment".
type TxStatus struct {
	State     TxState `json:"state"`
	Depth     int64   `json:"depth,omitempty"`
	BlockHash string  `json:"block_hash,omitempty"`
	Height    int64   `json:"height,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}
