package state

import (
	"sort"

	"watchsync/internal/models"
)

// View is an immutable-by-convention map of records. Every transition returns a new
// View and leaves its input untouched.
type View map[models.RecordID]models.Record

func (v View) Get(id models.RecordID) (models.Record, bool) {
	r, ok := v[id]
	return r, ok
}

func (v View) Records() []models.Record {
	out := make([]models.Record, 0, len(v))
	for _, r := range v {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}

func (v View) clone() View {
	out := make(View, len(v)+1)
	for k, r := range v {
		out[k] = r
	}
	return out
}

// Apply replaces the record for r's key. Applying the same record twice is a no-op.
func Apply(v View, r models.Record) View {
	if cur, ok := v[r.ID()]; ok && cur == r {
		return v
	}
	out := v.clone()
	out[r.ID()] = r
	return out
}

// Optimistic applies a local mutation before the server has seen it. The returned
// mutation is what goes on the wire: its value is normalized and, unless forced, its
// basis is the updated_at the view held for the record. Optimistic records keep that
// basis as their timestamp until the server assigns a new one.
//
// A non-empty review also advances the item's progress locally, mirroring what the
// server does in the same transaction.
func Optimistic(v View, m models.Mutation, total int) (View, models.Mutation) {
	prev := v[m.ID()]
	value := m.Value.ForKind(m.Kind)
	if m.Kind == models.KindStatus {
		value = models.NormalizeStatus(prev.Value, m.Value, total)
	}
	out := m
	out.Value = value
	if !m.Force {
		out.ClientUpdatedAt = prev.UpdatedAt
	}
	next := Apply(v, models.Record{Kind: m.Kind, Key: m.Key, Value: value, UpdatedAt: prev.UpdatedAt})

	if m.Kind == models.KindEpisodeReview && !value.Tombstone(m.Kind) {
		statusID := models.RecordID{Kind: models.KindStatus, Key: models.RecordKey{ItemKey: m.Key.ItemKey}}
		cur := next[statusID]
		if advanced, ok := models.AdvanceProgress(cur.Value, m.Key.Episode, total); ok {
			next = Apply(next, models.Record{Kind: models.KindStatus, Key: statusID.Key, Value: advanced, UpdatedAt: cur.UpdatedAt})
		}
	}
	return next, out
}

// Reconcile adopts the server-assigned record for an accepted mutation, unless the view
// has moved on since it was sent: a newer local edit or a newer remote event wins.
func Reconcile(v View, sent models.Mutation, accepted models.Record) View {
	cur, ok := v[accepted.ID()]
	if !ok {
		return Apply(v, accepted)
	}
	if cur.UpdatedAt > accepted.UpdatedAt {
		return v
	}
	if !cur.Value.Equal(sent.Kind, sent.Value) && !cur.Value.Equal(accepted.Kind, accepted.Value) {
		return v
	}
	return Apply(v, accepted)
}

// Adopt replaces the record with r unless the view already holds a newer version of it.
func Adopt(v View, r models.Record) View {
	if cur, ok := v[r.ID()]; ok && cur.UpdatedAt > r.UpdatedAt {
		return v
	}
	return Apply(v, r)
}

// FromRecords builds a view from a snapshot.
func FromRecords(records []models.Record) View {
	out := make(View, len(records))
	for _, r := range records {
		out[r.ID()] = r
	}
	return out
}
