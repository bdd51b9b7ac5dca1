package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tolelom/wagerchain/core"
)

const (
	prefixBlock     = "blk:"
	prefixCanonical = "canon:"
	keyTip          = "chain:tip"
)

func blockKey(hash string) []byte { return []byte(prefixBlock + hash) }

// Heights are zero padded so the canonical index iterates in height order.
func canonicalKey(height int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixCanonical, height))
}

// BlockStore implements core.BlockStore on any DB.
type BlockStore struct {
	db DB
}

// NewBlockStore wraps db.
func NewBlockStore(db DB) *BlockStore {
	return &BlockStore{db: db}
}

func (s *BlockStore) PutBlock(block *core.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("encode block %s: %w", block.Hash, err)
	}
	return s.db.Set(blockKey(block.Hash), data)
}

func (s *BlockStore) GetBlock(hash string) (*core.Block, error) {
	data, err := s.db.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	var b core.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", hash, err)
	}
	return &b, nil
}

func (s *BlockStore) GetBlockByHeight(height int64) (*core.Block, error) {
	hash, err := s.db.Get(canonicalKey(height))
	if err != nil {
		return nil, err
	}
	return s.GetBlock(string(hash))
}

func (s *BlockStore) GetTip() (string, error) {
	val, err := s.db.Get([]byte(keyTip))
	if errors.Is(err, core.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// SetCanonical points the height index at branch and moves the tip to its
// last block. Index entries above the new tip are removed in the same batch,
// since a reorganisation may land on a shorter branch.
func (s *BlockStore) SetCanonical(branch []*core.Block) error {
	if len(branch) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	for _, b := range branch {
		batch.Set(canonicalKey(b.Header.Height), []byte(b.Hash))
	}
	tip := branch[len(branch)-1]
	top := canonicalKey(tip.Header.Height)
	it := s.db.NewIterator([]byte(prefixCanonical))
	for it.Next() {
		if bytes.Compare(it.Key(), top) > 0 {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("scan canonical index: %w", err)
	}
	batch.Set([]byte(keyTip), []byte(tip.Hash))
	return batch.Write()
}

// Blocks loads the whole arena ordered by height, then hash.
func (s *BlockStore) Blocks() ([]*core.Block, error) {
	it := s.db.NewIterator([]byte(prefixBlock))
	defer it.Release()
	var out []*core.Block
	for it.Next() {
		var b core.Block
		if err := json.Unmarshal(it.Value(), &b); err != nil {
			return nil, fmt.Errorf("decode block %s: %w", it.Key(), err)
		}
		out = append(out, &b)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Header.Height != out[j].Header.Height {
			return out[i].Header.Height < out[j].Header.Height
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}
