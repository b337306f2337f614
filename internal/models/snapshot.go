package models

import "sort"

type FavoriteEntry struct {
	ItemKey   string `json:"item_key"`
	Favorite  bool   `json:"favorite"`
	UpdatedAt int64  `json:"updated_at"`
}

type StatusEntry struct {
	Status    WatchStatus `json:"status"`
	Progress  int         `json:"progress"`
	UpdatedAt int64       `json:"updated_at"`
}

type ReviewEntry struct {
	Text      string `json:"text"`
	UpdatedAt int64  `json:"updated_at"`
}

// Snapshot is the full per-user state. Tombstones are included so readers learn the
// timestamp a later write must be based on.
type Snapshot struct {
	Favorites      []FavoriteEntry                `json:"favorites"`
	Statuses       map[string]StatusEntry         `json:"statuses"`
	EpisodeReviews map[string]map[int]ReviewEntry `json:"episode_reviews"`
}

func NewSnapshot(records []Record) Snapshot {
	s := Snapshot{
		Favorites:      []FavoriteEntry{},
		Statuses:       map[string]StatusEntry{},
		EpisodeReviews: map[string]map[int]ReviewEntry{},
	}
	for _, r := range records {
		switch r.Kind {
		case KindFavorite:
			s.Favorites = append(s.Favorites, FavoriteEntry{ItemKey: r.Key.ItemKey, Favorite: r.Value.Favorite, UpdatedAt: r.UpdatedAt})
		case KindStatus:
			s.Statuses[r.Key.ItemKey] = StatusEntry{Status: r.Value.Status, Progress: r.Value.Progress, UpdatedAt: r.UpdatedAt}
		case KindEpisodeReview:
			eps, ok := s.EpisodeReviews[r.Key.ItemKey]
			if !ok {
				eps = map[int]ReviewEntry{}
				s.EpisodeReviews[r.Key.ItemKey] = eps
			}
			eps[r.Key.Episode] = ReviewEntry{Text: r.Value.Text, UpdatedAt: r.UpdatedAt}
		}
	}
	sort.Slice(s.Favorites, func(i, j int) bool { return s.Favorites[i].ItemKey < s.Favorites[j].ItemKey })
	return s
}

// Records flattens the snapshot back into records in a stable order.
func (s Snapshot) Records() []Record {
	out := make([]Record, 0, len(s.Favorites)+len(s.Statuses))
	for _, f := range s.Favorites {
		out = append(out, Record{Kind: KindFavorite, Key: RecordKey{ItemKey: f.ItemKey}, Value: Value{Favorite: f.Favorite}, UpdatedAt: f.UpdatedAt})
	}
	for item, st := range s.Statuses {
		out = append(out, Record{Kind: KindStatus, Key: RecordKey{ItemKey: item}, Value: Value{Status: st.Status, Progress: st.Progress}, UpdatedAt: st.UpdatedAt})
	}
	for item, eps := range s.EpisodeReviews {
		for ep, rv := range eps {
			out = append(out, Record{Kind: KindEpisodeReview, Key: RecordKey{ItemKey: item, Episode: ep}, Value: Value{Text: rv.Text}, UpdatedAt: rv.UpdatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}
