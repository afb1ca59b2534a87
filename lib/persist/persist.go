// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/tessera/lib/actor"
)

// Store is a durable key/value map.
type Store interface {
	// Put writes value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value under key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// List returns every entry whose key starts with prefix, ordered
	// by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Entry is one key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// RecordKey is the key of the record written by author at the path
// hashing to pathHash.
func RecordKey(author actor.ID, pathHash string) string {
	return "record/" + string(author) + "/" + pathHash
}

// ContextPrefix is the key prefix shared by every envelope a context
// index holds for the context secret hashing to secretHash.
func ContextPrefix(secretHash string) string {
	return "context/" + secretHash + "/"
}

// ContextKey is the key of the envelope a context index holds for the
// record author wrote at the path hashing to pathHash.
func ContextKey(secretHash string, author actor.ID, pathHash string) string {
	return ContextPrefix(secretHash) + string(author) + "/" + pathHash
}

// LinkPrefix is the key prefix shared by every link of one source.
func LinkPrefix(sourceHash string) string {
	return "link/" + sourceHash + "/"
}

// LinkKey is the key of link id under the source hashing to sourceHash.
func LinkKey(sourceHash, id string) string {
	return LinkPrefix(sourceHash) + id
}

// Memory is an in-process Store. The zero value is ready to use.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemory returns an empty in-process Store.
func NewMemory() *Memory {
	return &Memory{}
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string][]byte)
	}
	m.entries[key] = slices.Clone(value)
	return nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.entries[key]
	return slices.Clone(value), ok, nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []Entry
	for key, value := range m.entries {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, Entry{Key: key, Value: slices.Clone(value)})
		}
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	return entries, nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
