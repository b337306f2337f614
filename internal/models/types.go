package models

import (
	"fmt"
	"strconv"
	"strings"
)

type RecordKind string

const (
	KindFavorite      RecordKind = "favorite"
	KindStatus        RecordKind = "status"
	KindEpisodeReview RecordKind = "episode_review"
)

var AllKinds = []RecordKind{KindFavorite, KindStatus, KindEpisodeReview}

func ParseRecordKind(s string) (RecordKind, error) {
	switch RecordKind(strings.TrimSpace(s)) {
	case KindFavorite:
		return KindFavorite, nil
	case KindStatus:
		return KindStatus, nil
	case KindEpisodeReview:
		return KindEpisodeReview, nil
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

// EventType is the fan-out event name for records of this kind.
func (k RecordKind) EventType() string {
	return string(k) + "_updated"
}

func KindForEventType(t string) (RecordKind, bool) {
	kind, err := ParseRecordKind(strings.TrimSuffix(t, "_updated"))
	if err != nil || !strings.HasSuffix(t, "_updated") {
		return "", false
	}
	return kind, true
}

type RecordKey struct {
	ItemKey string `json:"item_key"`
	Episode int    `json:"episode,omitempty"`
}

func (k RecordKey) String() string {
	if k.Episode > 0 {
		return k.ItemKey + "#" + strconv.Itoa(k.Episode)
	}
	return k.ItemKey
}

type Value struct {
	Favorite bool        `json:"favorite,omitempty"`
	Status   WatchStatus `json:"status,omitempty"`
	Progress int         `json:"progress,omitempty"`
	Text     string      `json:"text,omitempty"`
}

// Tombstone reports whether v represents an absent record of the given kind.
func (v Value) Tombstone(kind RecordKind) bool {
	switch kind {
	case KindFavorite:
		return !v.Favorite
	case KindStatus:
		return v.Status == ""
	case KindEpisodeReview:
		return strings.TrimSpace(v.Text) == ""
	}
	return true
}

// ForKind drops the fields that are not meaningful for kind.
func (v Value) ForKind(kind RecordKind) Value {
	switch kind {
	case KindFavorite:
		return Value{Favorite: v.Favorite}
	case KindStatus:
		if v.Status == "" {
			return Value{}
		}
		return Value{Status: v.Status, Progress: v.Progress}
	case KindEpisodeReview:
		return Value{Text: strings.TrimSpace(v.Text)}
	}
	return Value{}
}

// Equal compares only the fields meaningful for kind.
func (v Value) Equal(kind RecordKind, o Value) bool {
	switch kind {
	case KindFavorite:
		return v.Favorite == o.Favorite
	case KindStatus:
		if v.Status == "" && o.Status == "" {
			return true
		}
		return v.Status == o.Status && v.Progress == o.Progress
	case KindEpisodeReview:
		return strings.TrimSpace(v.Text) == strings.TrimSpace(o.Text)
	}
	return false
}

type Record struct {
	Kind      RecordKind `json:"kind"`
	Key       RecordKey  `json:"record_key"`
	Value     Value      `json:"value"`
	UpdatedAt int64      `json:"updated_at"`
}

func (r Record) ID() RecordID {
	return RecordID{Kind: r.Kind, Key: r.Key}
}

func (r Record) Deleted() bool {
	return r.Value.Tombstone(r.Kind)
}

// RecordID identifies a record within one user's state.
type RecordID struct {
	Kind RecordKind
	Key  RecordKey
}

func (id RecordID) String() string {
	return string(id.Kind) + ":" + id.Key.String()
}

// Mutation is a client-proposed write.
type Mutation struct {
	Kind            RecordKind `json:"kind"`
	Key             RecordKey  `json:"record_key"`
	Value           Value      `json:"value"`
	ClientUpdatedAt int64      `json:"client_updated_at"`
	Force           bool       `json:"force,omitempty"`
}

func (m Mutation) ID() RecordID {
	return RecordID{Kind: m.Kind, Key: m.Key}
}

type Event struct {
	Type      string     `json:"type"`
	Kind      RecordKind `json:"kind"`
	RecordKey RecordKey  `json:"record_key"`
	Value     Value      `json:"value"`
	UpdatedAt int64      `json:"updated_at"`
}

func EventFor(r Record) Event {
	return Event{
		Type:      r.Kind.EventType(),
		Kind:      r.Kind,
		RecordKey: r.Key,
		Value:     r.Value,
		UpdatedAt: r.UpdatedAt,
	}
}

func (e Event) Record() Record {
	kind := e.Kind
	if kind == "" {
		kind, _ = KindForEventType(e.Type)
	}
	return Record{Kind: kind, Key: e.RecordKey, Value: e.Value, UpdatedAt: e.UpdatedAt}
}

// Conflict describes a rejected mutation together with the persisted version that won.
type Conflict struct {
	Kind            RecordKind `json:"kind"`
	Key             RecordKey  `json:"record_key"`
	Proposed        Value      `json:"proposed"`
	ClientUpdatedAt int64      `json:"client_updated_at"`
	ServerVersion   Record     `json:"server_version"`
}

func (c Conflict) ID() RecordID {
	return RecordID{Kind: c.Kind, Key: c.Key}
}

// Resubmission returns the proposed mutation with the arbitration override set.
func (c Conflict) Resubmission() Mutation {
	return Mutation{
		Kind:            c.Kind,
		Key:             c.Key,
		Value:           c.Proposed,
		ClientUpdatedAt: c.ServerVersion.UpdatedAt,
		Force:           true,
	}
}

type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	Banned   bool   `json:"banned"`
}
