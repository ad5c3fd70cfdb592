package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketButtons = []byte("observed_buttons")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketButtons)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) RecordButton(address string, seenAtUnix int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketButtons)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketButtons)
		}

		rec := ObservedButton{Address: address, FirstSeenUnix: seenAtUnix, LastSeenUnix: seenAtUnix, SeenCount: 1}
		if existing := b.Get([]byte(address)); existing != nil {
			var prev ObservedButton
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			rec.FirstSeenUnix = prev.FirstSeenUnix
			rec.SeenCount = prev.SeenCount + 1
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(address), data)
	})
}

func (s *BoltStore) GetButton(address string) (*ObservedButton, error) {
	var rec ObservedButton
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketButtons)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketButtons)
		}
		data := b.Get([]byte(address))
		if data == nil {
			return fmt.Errorf("button %s: %w", address, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListButtons() ([]*ObservedButton, error) {
	var buttons []*ObservedButton
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketButtons)
		if b == nil {
			return nil
		}
		buttons = make([]*ObservedButton, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec ObservedButton
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			buttons = append(buttons, &rec)
			return nil
		})
	})
	return buttons, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
