package localstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"watchsync/internal/models"
)

// Entry is one queued mutation. Seq orders replay; ID correlates log lines.
type Entry struct {
	Seq      uint64          `json:"seq"`
	ID       string          `json:"id"`
	Mutation models.Mutation `json:"mutation"`
	QueuedAt time.Time       `json:"queued_at"`
}

// Outbox is the durable queue of mutations that could not reach the server. Each entry
// keeps its basis and force flag so replay goes through normal arbitration.
type Outbox struct {
	store *Store
}

func NewOutbox(store *Store) *Outbox {
	return &Outbox{store: store}
}

func (o *Outbox) Append(m models.Mutation) error {
	_, err := o.Enqueue(m)
	return err
}

// Enqueue appends m, folding in any entry already queued for the same record. Only the
// latest edit of a record is sent, on the newest basis any of its edits carried, so a
// device's own queued writes never reach the server out of order.
func (o *Outbox) Enqueue(m models.Mutation) (Entry, error) {
	var e Entry
	err := o.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket)
		var superseded [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var old Entry
			if err := json.Unmarshal(v, &old); err != nil {
				return fmt.Errorf("decode outbox entry: %w", err)
			}
			if old.Mutation.ID() != m.ID() {
				return nil
			}
			if old.Mutation.ClientUpdatedAt > m.ClientUpdatedAt {
				m.ClientUpdatedAt = old.Mutation.ClientUpdatedAt
			}
			m.Force = m.Force || old.Mutation.Force
			superseded = append(superseded, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range superseded {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		e = Entry{Seq: seq, ID: uuid.NewString(), Mutation: m, QueuedAt: time.Now().UTC()}
		v, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), v)
	})
	return e, err
}

// List returns queued entries oldest first.
func (o *Outbox) List() ([]Entry, error) {
	var out []Entry
	err := o.store.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode outbox entry: %w", err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func (o *Outbox) Pending() ([]models.Mutation, error) {
	entries, err := o.List()
	if err != nil {
		return nil, err
	}
	out := make([]models.Mutation, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Mutation)
	}
	return out, nil
}

// Has reports whether the entry is still queued; a later edit may have replaced it.
func (o *Outbox) Has(seq uint64) (bool, error) {
	var ok bool
	err := o.store.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(outboxBucket).Get(seqKey(seq)) != nil
		return nil
	})
	return ok, err
}

func (o *Outbox) Remove(seq uint64) error {
	return o.store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete(seqKey(seq))
	})
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
