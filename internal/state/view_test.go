package state

import (
	"testing"

	"watchsync/internal/models"
)

func reviewID(item string, ep int) models.RecordID {
	return models.RecordID{Kind: models.KindEpisodeReview, Key: models.RecordKey{ItemKey: item, Episode: ep}}
}

func TestApplyIsIdempotent(t *testing.T) {
	rec := models.Record{Kind: models.KindFavorite, Key: models.RecordKey{ItemKey: "a"}, Value: models.Value{Favorite: true}, UpdatedAt: 10}
	once := Apply(View{}, rec)
	twice := Apply(once, rec)
	if len(twice) != 1 || twice[rec.ID()] != rec {
		t.Fatalf("unexpected view %+v", twice)
	}
	if len(once) != len(twice) {
		t.Fatalf("second apply changed the view")
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	base := View{}
	_ = Apply(base, models.Record{Kind: models.KindFavorite, Key: models.RecordKey{ItemKey: "a"}, Value: models.Value{Favorite: true}, UpdatedAt: 1})
	if len(base) != 0 {
		t.Fatalf("input view was modified: %+v", base)
	}
}

func TestApplyReplacesUnconditionally(t *testing.T) {
	id := reviewID("a", 1)
	v := FromRecords([]models.Record{{Kind: id.Kind, Key: id.Key, Value: models.Value{Text: "mine"}, UpdatedAt: 500}})
	v = Apply(v, models.Record{Kind: id.Kind, Key: id.Key, Value: models.Value{Text: "theirs"}, UpdatedAt: 400})
	if got := v[id]; got.Value.Text != "theirs" || got.UpdatedAt != 400 {
		t.Fatalf("expected absolute replacement, got %+v", got)
	}
}

func TestOptimisticUsesPriorTimestampAsBasis(t *testing.T) {
	id := reviewID("a", 3)
	v := FromRecords([]models.Record{{Kind: id.Kind, Key: id.Key, Value: models.Value{Text: "good"}, UpdatedAt: 100}})
	next, out := Optimistic(v, models.Mutation{Kind: id.Kind, Key: id.Key, Value: models.Value{Text: " bad "}, ClientUpdatedAt: 999}, 12)

	if out.ClientUpdatedAt != 100 {
		t.Fatalf("expected basis 100, got %d", out.ClientUpdatedAt)
	}
	if out.Value.Text != "bad" {
		t.Fatalf("expected trimmed text, got %q", out.Value.Text)
	}
	if got := next[id]; got.Value.Text != "bad" || got.UpdatedAt != 100 {
		t.Fatalf("unexpected optimistic record %+v", got)
	}
	if v[id].Value.Text != "good" {
		t.Fatalf("input view was modified")
	}

	status := next[models.RecordID{Kind: models.KindStatus, Key: models.RecordKey{ItemKey: "a"}}]
	if status.Value.Status != models.StatusWatching || status.Value.Progress != 3 {
		t.Fatalf("expected local progress advance, got %+v", status)
	}
}

func TestOptimisticForceKeepsBasis(t *testing.T) {
	id := reviewID("a", 3)
	_, out := Optimistic(View{}, models.Mutation{Kind: id.Kind, Key: id.Key, Value: models.Value{Text: "x"}, ClientUpdatedAt: 77, Force: true}, 0)
	if out.ClientUpdatedAt != 77 || !out.Force {
		t.Fatalf("unexpected outbound mutation %+v", out)
	}
}

func TestOptimisticNormalizesStatus(t *testing.T) {
	key := models.RecordKey{ItemKey: "a"}
	next, out := Optimistic(View{}, models.Mutation{Kind: models.KindStatus, Key: key, Value: models.Value{Status: models.StatusWatching, Progress: 20}}, 12)
	want := models.Value{Status: models.StatusCompleted, Progress: 12}
	if out.Value != want || next[out.ID()].Value != want {
		t.Fatalf("expected %+v, got out=%+v view=%+v", want, out.Value, next[out.ID()].Value)
	}
}

func TestReconcile(t *testing.T) {
	id := reviewID("a", 1)
	sent := models.Mutation{Kind: id.Kind, Key: id.Key, Value: models.Value{Text: "mine"}, ClientUpdatedAt: 5}
	optimistic := FromRecords([]models.Record{{Kind: id.Kind, Key: id.Key, Value: models.Value{Text: "mine"}, UpdatedAt: 5}})
	accepted := models.Record{Kind: id.Kind, Key: id.Key, Value: models.Value{Text: "mine"}, UpdatedAt: 50}

	cases := []struct {
		name string
		view View
		want models.Record
	}{
		{"adopts server timestamp", optimistic, accepted},
		{"keeps newer local edit", Apply(optimistic, models.Record{Kind: id.Kind, Key: id.Key, Value: models.Value{Text: "newer"}, UpdatedAt: 5}), models.Record{Kind: id.Kind, Key: id.Key, Value: models.Value{Text: "newer"}, UpdatedAt: 5}},
		{"keeps newer remote event", Apply(optimistic, models.Record{Kind: id.Kind, Key: id.Key, Value: models.Value{Text: "remote"}, UpdatedAt: 60}), models.Record{Kind: id.Kind, Key: id.Key, Value: models.Value{Text: "remote"}, UpdatedAt: 60}},
		{"adopts into empty view", View{}, accepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Reconcile(tc.view, sent, accepted)[id]
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}
