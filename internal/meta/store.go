// Package meta persists store-local metadata (region command ledger, region
// descriptors) in a bbolt file next to the data directory.
package meta

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const fileName = "store.meta"

// Well known buckets.
const (
	BucketRegionCommand = "region_cmd"
	BucketRegion        = "region"
)

var defaultBuckets = []string{BucketRegionCommand, BucketRegion}

// ErrBucketMissing is returned when an operation names a bucket that was never created.
var ErrBucketMissing = errors.New("meta: bucket missing")

// Store is a thin bucketed key/value facade over bbolt.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the metadata file under dir and ensures the
// default buckets plus any extra ones exist.
func Open(dir string, extraBuckets ...string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("meta directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, fileName), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	buckets := append(append([]string(nil), defaultBuckets...), extraBuckets...)
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Put writes a single key.
func (s *Store) Put(bucket string, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrBucketMissing, bucket)
		}
		return b.Put(key, value)
	})
}

// Get returns a copy of the value stored under key, or nil when absent.
func (s *Store) Get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrBucketMissing, bucket)
		}
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Delete removes the provided keys in one transaction.
func (s *Store) Delete(bucket string, keys ...[]byte) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrBucketMissing, bucket)
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForEach walks the bucket in key order. The slices handed to fn are only
// valid for the duration of the call.
func (s *Store) ForEach(bucket string, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Uint64Key encodes id big-endian after prefix so that a bucket scan yields
// ascending id order.
func Uint64Key(prefix string, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

// ParseUint64Key is the inverse of Uint64Key.
func ParseUint64Key(prefix string, key []byte) (uint64, error) {
	if len(key) != len(prefix)+8 || string(key[:len(prefix)]) != prefix {
		return 0, fmt.Errorf("meta: malformed key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), nil
}
