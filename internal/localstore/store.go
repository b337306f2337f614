// Package localstore persists client state in a bbolt file: the record view, the
// outbox of unsent mutations and, in single-device mode, the authoritative records.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"watchsync/internal/models"
)

var (
	recordsBucket = []byte("records")
	outboxBucket  = []byte("outbox")
)

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state file %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, outboxBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutRecord stores rec under its record id, replacing any previous version.
func (s *Store) PutRecord(rec models.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx.Bucket(recordsBucket), rec)
	})
}

// ReplaceRecords swaps the whole record set for records.
func (s *Store) ReplaceRecords(records []models.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(recordsBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(recordsBucket)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := putRecord(b, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Records() ([]models.Record, error) {
	var out []models.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(_, v []byte) error {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func putRecord(b *bolt.Bucket, rec models.Record) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.ID().String()), v)
}

func getRecord(b *bolt.Bucket, id models.RecordID) (*models.Record, error) {
	v := b.Get([]byte(id.String()))
	if v == nil {
		return nil, nil
	}
	var rec models.Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}
