package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketLocal = []byte("local")
)

// LocalStore implements domain.LocalStorage using BoltDB.
type LocalStore struct {
	db *bolt.DB
	mu sync.RWMutex // Protects memory map

	// Memory-only mode keeps values here instead of on disk
	mem map[string][]byte
}

// NewLocalStore opens (or creates) the snapshot database for one remote
// endpoint. An empty baseDir gives a memory-only store.
func NewLocalStore(baseDir, remoteURL string) (*LocalStore, error) {
	if baseDir == "" {
		// Memory-only mode (no persistence)
		return &LocalStore{mem: make(map[string][]byte)}, nil
	}

	dir := baseDir
	if remoteURL != "" {
		dir = filepath.Join(baseDir, hashRemoteURL(remoteURL))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, "biolink.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLocal)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &LocalStore{db: db}, nil
}

func hashRemoteURL(remoteURL string) string {
	normalized := strings.TrimRight(strings.ToLower(remoteURL), "/")
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:6])
}

func (s *LocalStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *LocalStore) Get(key string) ([]byte, bool, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		v, ok := s.mem[key]
		if !ok {
			return nil, false, nil
		}
		return append([]byte(nil), v...), true, nil
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocal)
		if b == nil {
			return nil
		}
		// Bolt values are only valid for the life of the transaction
		if v := b.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, data != nil, nil
}

func (s *LocalStore) Set(key string, value []byte) error {
	if s.db == nil {
		s.mu.Lock()
		s.mem[key] = append([]byte(nil), value...)
		s.mu.Unlock()
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocal).Put([]byte(key), value)
	})
}

func (s *LocalStore) Remove(key string) error {
	if s.db == nil {
		s.mu.Lock()
		delete(s.mem, key)
		s.mu.Unlock()
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocal)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// RemovePrefix deletes every key starting with prefix.
func (s *LocalStore) RemovePrefix(prefix string) error {
	if s.db == nil {
		s.mu.Lock()
		for k := range s.mem {
			if strings.HasPrefix(k, prefix) {
				delete(s.mem, k)
			}
		}
		s.mu.Unlock()
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocal)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		prefixBytes := []byte(prefix)
		// Collect first; deleting while iterating moves the cursor
		var keys [][]byte
		for k, _ := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Keys lists all stored keys in byte order.
func (s *LocalStore) Keys() ([]string, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		keys := make([]string, 0, len(s.mem))
		for k := range s.mem {
			keys = append(keys, k)
		}
		return keys, nil
	}

	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocal).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Path returns the database file path, empty in memory-only mode.
func (s *LocalStore) Path() string {
	if s.db == nil {
		return ""
	}
	return s.db.Path()
}
