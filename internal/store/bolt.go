package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketControllers = []byte("controllers")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketControllers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveController(c *SeenController) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketControllers)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketControllers)
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.BedKey), data)
	})
}

func (s *BoltStore) GetController(bedKey string) (*SeenController, error) {
	var c SeenController
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketControllers)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketControllers)
		}
		data := b.Get([]byte(bedKey))
		if data == nil {
			return fmt.Errorf("controller %s: %w", bedKey, ErrNotFound)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListControllers() ([]*SeenController, error) {
	var out []*SeenController
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketControllers)
		if b == nil {
			return nil
		}
		out = make([]*SeenController, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var c SeenController
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
