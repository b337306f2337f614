package repos

import (
	"strings"

	"watchsync/internal/models"
)

type scanner interface {
	Scan(dest ...any) error
}

// table describes how one record kind is laid out. All kinds share the
// (user_id, keys..., values..., updated_at) shape so a single conditional write serves them.
type table struct {
	name     string
	keyCols  []string
	valCols  []string
	keyArgs  func(models.RecordKey) []any
	valArgs  func(models.Value) []any
	scanInto func(sc scanner) (models.Record, error)
}

var tables = map[models.RecordKind]table{
	models.KindFavorite: {
		name:    "favorites",
		keyCols: []string{"item_key"},
		valCols: []string{"favorite"},
		keyArgs: func(k models.RecordKey) []any { return []any{k.ItemKey} },
		valArgs: func(v models.Value) []any { return []any{boolInt(v.Favorite)} },
		scanInto: func(sc scanner) (models.Record, error) {
			var (
				r   = models.Record{Kind: models.KindFavorite}
				fav int64
			)
			err := sc.Scan(&r.Key.ItemKey, &fav, &r.UpdatedAt)
			r.Value.Favorite = fav != 0
			return r, err
		},
	},
	models.KindStatus: {
		name:    "watch_statuses",
		keyCols: []string{"item_key"},
		valCols: []string{"status", "progress"},
		keyArgs: func(k models.RecordKey) []any { return []any{k.ItemKey} },
		valArgs: func(v models.Value) []any { return []any{string(v.Status), int64(v.Progress)} },
		scanInto: func(sc scanner) (models.Record, error) {
			var (
				r        = models.Record{Kind: models.KindStatus}
				status   string
				progress int64
			)
			err := sc.Scan(&r.Key.ItemKey, &status, &progress, &r.UpdatedAt)
			r.Value.Status = models.WatchStatus(status)
			r.Value.Progress = int(progress)
			return r, err
		},
	},
	models.KindEpisodeReview: {
		name:    "episode_reviews",
		keyCols: []string{"item_key", "episode"},
		valCols: []string{"body"},
		keyArgs: func(k models.RecordKey) []any { return []any{k.ItemKey, int64(k.Episode)} },
		valArgs: func(v models.Value) []any { return []any{strings.TrimSpace(v.Text)} },
		scanInto: func(sc scanner) (models.Record, error) {
			var (
				r  = models.Record{Kind: models.KindEpisodeReview}
				ep int64
			)
			err := sc.Scan(&r.Key.ItemKey, &ep, &r.Value.Text, &r.UpdatedAt)
			r.Key.Episode = int(ep)
			return r, err
		},
	},
}

func (t table) columns() string {
	cols := append(append([]string{}, t.keyCols...), t.valCols...)
	return strings.Join(append(cols, "updated_at"), ", ")
}

func (t table) keyWhere() string {
	parts := []string{"user_id = ?"}
	for _, c := range t.keyCols {
		parts = append(parts, c+" = ?")
	}
	return strings.Join(parts, " AND ")
}

func (t table) selectOne() string {
	return "SELECT " + t.columns() + " FROM " + t.name + " WHERE " + t.keyWhere()
}

func (t table) selectAll() string {
	return "SELECT " + t.columns() + " FROM " + t.name + " WHERE user_id = ? ORDER BY " + strings.Join(t.keyCols, ", ")
}

// upsert only overwrites an existing row when forced or when the stored timestamp is
// not newer than the caller's basis. The last two placeholders are (force, basis).
func (t table) upsert() string {
	insertCols := append([]string{"user_id"}, t.keyCols...)
	insertCols = append(insertCols, t.valCols...)
	insertCols = append(insertCols, "updated_at")
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(insertCols)), ", ")

	sets := make([]string, 0, len(t.valCols)+1)
	for _, c := range append(append([]string{}, t.valCols...), "updated_at") {
		sets = append(sets, c+" = excluded."+c)
	}
	conflictCols := append([]string{"user_id"}, t.keyCols...)
	return "INSERT INTO " + t.name + " (" + strings.Join(insertCols, ", ") + ") VALUES (" + marks + ")" +
		" ON CONFLICT (" + strings.Join(conflictCols, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ") +
		" WHERE ? OR " + t.name + ".updated_at <= ?"
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
