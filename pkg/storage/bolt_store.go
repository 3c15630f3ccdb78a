// Package storage persists the mesh state that must survive restarts: the
// election term, so terms stay monotonic, and peer reputation records, so a
// misbehaving peer cannot reset its score by making the device reboot.
//
// # Thread Safety Guarantees
//
// BoltStore is safe for concurrent use by multiple goroutines. This safety is
// provided by BoltDB's transaction model: read transactions (View) run
// concurrently and see a consistent snapshot, write transactions (Update) are
// serialized by BoltDB's internal locking. BoltStore adds no locking of its
// own.
//
// References:
//   - BoltDB documentation: https://github.com/etcd-io/bbolt#transactions
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/salahayoub/tether/pkg/reputation"
)

// Bucket names for BoltDB storage
var (
	stableBucket     = []byte("stable")
	reputationBucket = []byte("reputation")
)

var keyCurrentTerm = []byte("currentTerm")

// ErrKeyNotFound is returned when a requested record does not exist.
var ErrKeyNotFound = errors.New("key not found")

// BoltStore implements mesh.StateStore using BoltDB.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

// NewBoltStore creates a new BoltStore at the specified path.
// It opens or creates the database file and initializes the required buckets.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(stableBucket); err != nil {
			return fmt.Errorf("failed to create stable bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(reputationBucket); err != nil {
			return fmt.Errorf("failed to create reputation bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (b *BoltStore) Path() string { return b.path }

// Close releases all database resources.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// uint64ToBytes encodes a uint64 value to big-endian bytes.
func uint64ToBytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// bytesToUint64 decodes big-endian bytes to a uint64 value.
func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// ============================================================================
// Election term
// ============================================================================

// LoadTerm returns the persisted election term, or 0.
func (b *BoltStore) LoadTerm() (uint64, error) {
	return b.GetUint64(keyCurrentTerm)
}

// SaveTerm persists term. A term lower than the stored one is ignored so the
// stored value never decreases.
func (b *BoltStore) SaveTerm(term uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(stableBucket)
		if v := bucket.Get(keyCurrentTerm); len(v) == 8 && bytesToUint64(v) >= term {
			return nil
		}
		if err := bucket.Put(keyCurrentTerm, uint64ToBytes(term)); err != nil {
			return fmt.Errorf("failed to store term: %w", err)
		}
		return nil
	})
}

// ============================================================================
// Reputation records
// ============================================================================

// SaveReputations writes every record in a single transaction, replacing the
// stored record for each peer.
func (b *BoltStore) SaveReputations(records []reputation.Reputation) error {
	if len(records) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(reputationBucket)
		for _, rec := range records {
			if rec.PeerID == "" {
				continue
			}
			val, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to serialize reputation for %s: %w", rec.PeerID, err)
			}
			if err := bucket.Put([]byte(rec.PeerID), val); err != nil {
				return fmt.Errorf("failed to store reputation for %s: %w", rec.PeerID, err)
			}
		}
		return nil
	})
}

// LoadReputations returns every stored record ordered by peer id.
func (b *BoltStore) LoadReputations() ([]reputation.Reputation, error) {
	var out []reputation.Reputation
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(reputationBucket).ForEach(func(k, v []byte) error {
			var rec reputation.Reputation
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to deserialize reputation for %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetReputation returns the stored record for one peer.
func (b *BoltStore) GetReputation(peerID string) (reputation.Reputation, error) {
	var rec reputation.Reputation
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(reputationBucket).Get([]byte(peerID))
		if v == nil {
			return fmt.Errorf("reputation %s: %w", peerID, ErrKeyNotFound)
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// ============================================================================
// Stable key/value
// ============================================================================

// Set stores a key-value pair in the stable bucket.
func (b *BoltStore) Set(key []byte, val []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(stableBucket)
		if err := bucket.Put(key, val); err != nil {
			return fmt.Errorf("failed to set key: %w", err)
		}
		return nil
	})
}

// Get retrieves a value by key from the stable bucket.
// Returns an empty byte slice if the key does not exist.
func (b *BoltStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(stableBucket).Get(key)
		if v == nil {
			val = []byte{}
			return nil
		}
		// Make a copy since BoltDB values are only valid within the transaction
		val = make([]byte, len(v))
		copy(val, v)
		return nil
	})
	return val, err
}

// SetUint64 stores a uint64 value encoded as big-endian bytes.
func (b *BoltStore) SetUint64(key []byte, val uint64) error {
	return b.Set(key, uint64ToBytes(val))
}

// GetUint64 retrieves a uint64 value by key from the stable bucket.
// Returns 0 if the key does not exist.
func (b *BoltStore) GetUint64(key []byte) (uint64, error) {
	val, err := b.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) == 0 {
		return 0, nil
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("key %s: expected 8 bytes, got %d", key, len(val))
	}
	return bytesToUint64(val), nil
}
