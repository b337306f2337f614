package localstore

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	"watchsync/internal/catalog"
	"watchsync/internal/models"
)

// Backend is the write path for single-device mode. There is exactly one writer, so
// every mutation is accepted; timestamps still strictly increase per record.
type Backend struct {
	store   *Store
	catalog catalog.Catalog
	now     func() int64
}

func NewBackend(store *Store, cat catalog.Catalog) *Backend {
	return &Backend{store: store, catalog: cat, now: func() int64 { return time.Now().UnixMilli() }}
}

func (b *Backend) SetClock(now func() int64) {
	b.now = now
}

func (b *Backend) Snapshot(_ context.Context) ([]models.Record, error) {
	return b.store.Records()
}

// Submit writes m and returns it followed by the status a review advanced, if any.
func (b *Backend) Submit(ctx context.Context, m models.Mutation) ([]models.Record, error) {
	total := 0
	if b.catalog != nil && m.Kind != models.KindFavorite {
		t, err := b.catalog.TotalEpisodes(ctx, m.Key.ItemKey)
		if err != nil {
			return nil, err
		}
		total = t
	}
	var out, advancedRec models.Record
	err := b.store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(recordsBucket)
		cur, err := getRecord(bucket, m.ID())
		if err != nil {
			return err
		}
		value := m.Value.ForKind(m.Kind)
		if m.Kind == models.KindStatus {
			var prev models.Value
			if cur != nil {
				prev = cur.Value
			}
			value = models.NormalizeStatus(prev, m.Value, total)
		}
		out = models.Record{Kind: m.Kind, Key: m.Key, Value: value, UpdatedAt: b.next(cur)}
		if err := putRecord(bucket, out); err != nil {
			return err
		}
		if m.Kind != models.KindEpisodeReview || out.Deleted() {
			return nil
		}
		statusID := models.RecordID{Kind: models.KindStatus, Key: models.RecordKey{ItemKey: m.Key.ItemKey}}
		st, err := getRecord(bucket, statusID)
		if err != nil {
			return err
		}
		var curStatus models.Value
		if st != nil {
			curStatus = st.Value
		}
		advanced, ok := models.AdvanceProgress(curStatus, m.Key.Episode, total)
		if !ok {
			return nil
		}
		advancedRec = models.Record{Kind: models.KindStatus, Key: statusID.Key, Value: advanced, UpdatedAt: b.next(st)}
		return putRecord(bucket, advancedRec)
	})
	if err != nil {
		return nil, err
	}
	written := []models.Record{out}
	if advancedRec.Kind != "" {
		written = append(written, advancedRec)
	}
	return written, nil
}

func (b *Backend) next(cur *models.Record) int64 {
	n := b.now()
	if cur != nil && n <= cur.UpdatedAt {
		n = cur.UpdatedAt + 1
	}
	return n
}
