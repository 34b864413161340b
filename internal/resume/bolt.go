package resume

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

const stateBucket = "resume"

// BoltStore keeps every State in a single bolt database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(stateBucket)); err != nil {
			return fmt.Errorf("failed to create %s bucket: %w", stateBucket, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(dest string) (*State, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(stateBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", stateBucket)
		}
		// Bolt values are only valid for the life of the transaction.
		if v := bucket.Get([]byte(dest)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: corrupt record: %v", ErrUnresumable, err)
	}
	if err := Validate(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) Save(state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal resume state: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(stateBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", stateBucket)
		}
		if err := bucket.Put([]byte(state.Destination), data); err != nil {
			return fmt.Errorf("failed to save resume state: %w", err)
		}
		return nil
	})
}

func (s *BoltStore) Discard(dest string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(stateBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", stateBucket)
		}
		return bucket.Delete([]byte(dest))
	})
}

// Destinations lists every destination with saved state.
func (s *BoltStore) Destinations() ([]string, error) {
	var dests []string
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(stateBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", stateBucket)
		}
		return bucket.ForEach(func(k, _ []byte) error {
			dests = append(dests, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return dests, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
