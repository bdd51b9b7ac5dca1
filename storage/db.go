// Package storage persists the block arena and canonical chain pointers.
package storage

// DB is the key-value store the block store is written against.
type DB interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewIterator(prefix []byte) Iterator
	NewBatch() Batch
	Close() error
}

// Iterator walks key-value pairs matching a prefix in key order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// Batch buffers writes and applies them atomically on Write.
type Batch interface {
	Set(key, value []byte)
	Delete(key []byte)
	Write() error
}
