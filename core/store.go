package core

// BlockStore persists every validated block, the canonical height index and
// the canonical tip pointer. Implementations live in the storage package and
// must be safe for concurrent use.
type BlockStore interface {
	PutBlock(block *Block) error
	GetBlock(hash string) (*Block, error)
	// GetBlockByHeight returns the canonical block at height.
	GetBlockByHeight(height int64) (*Block, error)
	// GetTip returns the canonical tip hash, or ("", nil) for a fresh store.
	GetTip() (string, error)
	// SetCanonical rewrites the height index for branch and moves the tip
	// to the last block of branch in one batch.
	SetCanonical(branch []*Block) error
	// Blocks returns every stored block ordered by height.
	Blocks() ([]*Block, error)
}
