// Package mapstore is the encrypted key/value store behind the
// consistency map and the token vault.
package mapstore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

// SaltSize is the length of the per-location salt.
const SaltSize = 32

// ErrWrongKey is returned when a store is reopened with a different secret.
var ErrWrongKey = errors.New("mapstore: encryption key does not match the existing store")

// Options configures a Store.
type Options struct {
	Path     string
	InMemory bool
	// EncryptionKey must be 16, 24 or 32 bytes. Empty disables encryption.
	EncryptionKey []byte
}

// Store is a badger database with the handful of operations the
// anonymizer needs.
type Store struct {
	db *badger.DB
}

// Open opens or creates a store.
func Open(opts Options) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("mapstore: path is required for a persistent store")
		}
		if err := os.MkdirAll(opts.Path, 0o700); err != nil {
			return nil, fmt.Errorf("create map directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(nil).WithSyncWrites(true)

	if len(opts.EncryptionKey) > 0 {
		switch len(opts.EncryptionKey) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes (got %d bytes)", len(opts.EncryptionKey))
		}
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(16 << 20)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		if errors.Is(err, badger.ErrEncryptionKeyMismatch) {
			return nil, ErrWrongKey
		}
		return nil, fmt.Errorf("open map store: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the value of key.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Put stores key unconditionally.
func (s *Store) Put(key, val []byte) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// PutIfAbsent stores val under key unless key exists. It returns the value
// now stored and whether it was created by this call.
func (s *Store) PutIfAbsent(key, val []byte) ([]byte, bool, error) {
	var stored []byte
	var created bool
	err := s.update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case err == nil:
			stored, err = item.ValueCopy(nil)
			created = false
			return err
		case errors.Is(err, badger.ErrKeyNotFound):
			stored, created = val, true
			return txn.Set(key, val)
		default:
			return err
		}
	})
	return stored, created, err
}

// update retries transactions that lost a write conflict.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Count returns the number of keys under prefix.
func (s *Store) Count(prefix []byte) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Iterate calls fn for every key under prefix in key order.
func (s *Store) Iterate(prefix []byte, fn func(key, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadOrCreateSalt reads the salt file of a map location, creating it on
// first use. created reports whether a new salt was written.
func LoadOrCreateSalt(dir string) (salt []byte, created bool, err error) {
	path := filepath.Join(dir, "salt")
	salt, err = os.ReadFile(path)
	if err == nil {
		if len(salt) != SaltSize {
			return nil, false, fmt.Errorf("salt file %s is corrupt (%d bytes)", path, len(salt))
		}
		return salt, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("read salt: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, false, fmt.Errorf("create map directory %s: %w", dir, err)
	}
	salt = make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, false, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, false, fmt.Errorf("write salt: %w", err)
	}
	return salt, true, nil
}
