package metadata

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-memdb"
)

const kvTable = "kv"

type kvEntry struct {
	Key   string
	Value string
}

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		kvTable: {
			Name: kvTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
			},
		},
	},
}

// MemoryKV implements KV in process with go-memdb. Write transactions are
// serialized by memdb, which makes Update a plain read-modify-write.
type MemoryKV struct {
	db *memdb.MemDB
}

// NewMemoryKV creates an empty in-memory KV
func NewMemoryKV() (*MemoryKV, error) {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	return &MemoryKV{db: db}, nil
}

// Get retrieves a value by key
func (m *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(kvTable, "id", key)
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if raw == nil {
		return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return raw.(*kvEntry).Value, nil
}

// Put stores a key-value pair
func (m *MemoryKV) Put(ctx context.Context, key, value string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(kvTable, &kvEntry{Key: key, Value: value}); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	txn.Commit()
	return nil
}

// Delete removes a key; deleting an absent key is not an error
func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(kvTable, "id", key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	txn.Commit()
	return nil
}

// GetPrefix retrieves all keys with a given prefix
func (m *MemoryKV) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(kvTable, "id_prefix", prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to get prefix %s: %w", prefix, err)
	}

	result := make(map[string]string)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		e := raw.(*kvEntry)
		result[e.Key] = e.Value
	}
	return result, nil
}

// Update atomically replaces key with fn's result
func (m *MemoryKV) Update(ctx context.Context, key string, fn UpdateFunc) (string, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(kvTable, "id", key)
	if err != nil {
		return "", fmt.Errorf("failed to read key %s: %w", key, err)
	}

	var current string
	if raw != nil {
		current = raw.(*kvEntry).Value
	}

	next, err := fn(current, raw != nil)
	if err != nil {
		return "", err
	}

	if err := txn.Insert(kvTable, &kvEntry{Key: key, Value: next}); err != nil {
		return "", fmt.Errorf("failed to write key %s: %w", key, err)
	}
	txn.Commit()
	return next, nil
}

// Close is a no-op
func (m *MemoryKV) Close() error {
	return nil
}
