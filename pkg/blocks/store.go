package blocks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrBlockNotFound = errors.New("block not found")
	ErrBlockCorrupt  = errors.New("block content does not match its hash")
)

// Store keeps file payloads content-addressed on disk. Identical payloads
// share one block; a block is removed when its last reference is released.
type Store struct {
	basePath string
	refs     map[string]int
	mu       sync.RWMutex
}

// NewStore creates a block store rooted at basePath.
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}

	return &Store{
		basePath: basePath,
		refs:     make(map[string]int),
	}, nil
}

// Put stores data, adds a reference to it and returns its hash.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := Hash(data)
	blockPath := s.blockPath(hash)

	if _, err := os.Stat(blockPath); errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(blockPath, data); err != nil {
			return "", fmt.Errorf("failed to write block %s: %w", hash, err)
		}
	} else if err != nil {
		return "", err
	}

	s.refs[hash]++
	return hash, nil
}

// Retain records an existing reference to hash, used when reloading records.
func (s *Store) Retain(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[hash]++
}

// Get reads the block for hash and verifies its content.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.blockPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
		}
		return nil, err
	}
	if Hash(data) != hash {
		return nil, fmt.Errorf("%w: %s", ErrBlockCorrupt, hash)
	}
	return data, nil
}

// Release drops one reference to hash and deletes the block at zero.
func (s *Store) Release(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[hash] > 1 {
		s.refs[hash]--
		return nil
	}
	delete(s.refs, hash)

	err := os.Remove(s.blockPath(hash))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Refs returns the reference count for hash.
func (s *Store) Refs(hash string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs[hash]
}

func (s *Store) blockPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.basePath, hash)
	}
	return filepath.Join(s.basePath, hash[:2], hash)
}

// Hash returns the hex sha256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
