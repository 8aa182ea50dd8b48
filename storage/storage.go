// Package storage provides the key/value persistence layer shared by the
// bridge components. Values are RLP encoded; callers hand in stored-form
// structs composed of strings, byte slices and unsigned integers.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	bolt "go.etcd.io/bbolt"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("storage: database path must be configured")

var stateBucket = []byte("state")

// Store wraps a bbolt database behind the KV contract consumed by the
// domain packages.
type Store struct {
	db *bolt.DB
}

// Open initialises the backing store at the supplied filesystem path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// KVPut encodes the value and stores it under key.
func (s *Store) KVPut(key []byte, value interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(key, encoded)
	})
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key was present.
func (s *Store) KVGet(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("storage not configured")
	}
	var encoded []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if value := tx.Bucket(stateBucket).Get(key); value != nil {
			encoded = append([]byte(nil), value...)
		}
		return nil
	}); err != nil {
		return false, err
	}
	if encoded == nil {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVAppend appends a raw encoded entry to the list stored under key.
func (s *Store) KVAppend(key []byte, value []byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucket)
		var list [][]byte
		if existing := bucket.Get(key); existing != nil {
			if err := rlp.DecodeBytes(existing, &list); err != nil {
				return err
			}
		}
		list = append(list, append([]byte(nil), value...))
		encoded, err := rlp.EncodeToBytes(list)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
}

// KVGetList decodes the list stored under key into out. A missing key yields
// an empty list.
func (s *Store) KVGetList(key []byte, out interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	var encoded []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if value := tx.Bucket(stateBucket).Get(key); value != nil {
			encoded = append([]byte(nil), value...)
		}
		return nil
	}); err != nil {
		return err
	}
	if encoded == nil {
		empty, err := rlp.EncodeToBytes([][]byte{})
		if err != nil {
			return err
		}
		return rlp.DecodeBytes(empty, out)
	}
	return rlp.DecodeBytes(encoded, out)
}
