package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"watchsync/internal/catalog"
	"watchsync/internal/config"
	"watchsync/internal/fanout"
	"watchsync/internal/logging"
	"watchsync/internal/models"
	"watchsync/internal/repos"
)

var (
	ErrConflict   = errors.New("stale write")
	ErrValidation = errors.New("invalid mutation")
	ErrForbidden  = errors.New("forbidden")
)

type ConflictError struct {
	Conflict models.Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s updated at %d", ErrConflict, e.Conflict.ID(), e.Conflict.ServerVersion.UpdatedAt)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

func (e *ConflictError) ConflictDescriptor() models.Conflict {
	return e.Conflict
}

// Store is the subset of the record store the service writes through.
type Store interface {
	Snapshot(ctx context.Context, userID string) ([]models.Record, error)
	WithTx(ctx context.Context, fn func(tx repos.Tx) error) error
}

type FavoriteInput struct {
	ItemKey         string `json:"item_key"`
	Favorite        bool   `json:"favorite"`
	ClientUpdatedAt int64  `json:"client_updated_at"`
	Force           bool   `json:"force"`
}

// StatusInput with an empty Status removes the entry.
type StatusInput struct {
	ItemKey         string `json:"item_key"`
	Status          string `json:"status"`
	Progress        int    `json:"progress"`
	ClientUpdatedAt int64  `json:"client_updated_at"`
	Force           bool   `json:"force"`
}

type EpisodeReviewInput struct {
	ItemKey         string `json:"item_key"`
	Episode         int    `json:"episode"`
	Text            string `json:"text"`
	ClientUpdatedAt int64  `json:"client_updated_at"`
	Force           bool   `json:"force"`
}

// MutationResult lists every record the mutation wrote, the requested one first.
type MutationResult struct {
	UpdatedAt int64           `json:"updated_at"`
	Records   []models.Record `json:"records"`
}

const maxAdvanceAttempts = 3

type SyncService struct {
	store   Store
	catalog catalog.Catalog
	pub     fanout.Publisher
	arb     config.Arbitration
	log     *logging.Logger
}

func NewSyncService(store Store, cat catalog.Catalog, pub fanout.Publisher, arb config.Arbitration, log *logging.Logger) *SyncService {
	if log == nil {
		log = logging.Nop()
	}
	return &SyncService{store: store, catalog: cat, pub: pub, arb: arb, log: log}
}

func (s *SyncService) Snapshot(ctx context.Context, id models.Identity) (models.Snapshot, error) {
	if err := checkIdentity(id); err != nil {
		return models.Snapshot{}, err
	}
	records, err := s.store.Snapshot(ctx, id.ID)
	if err != nil {
		return models.Snapshot{}, err
	}
	return models.NewSnapshot(records), nil
}

func (s *SyncService) SetFavorite(ctx context.Context, id models.Identity, in FavoriteInput) (MutationResult, error) {
	return s.Mutate(ctx, id, models.Mutation{
		Kind:            models.KindFavorite,
		Key:             models.RecordKey{ItemKey: in.ItemKey},
		Value:           models.Value{Favorite: in.Favorite},
		ClientUpdatedAt: in.ClientUpdatedAt,
		Force:           in.Force,
	})
}

func (s *SyncService) SetStatus(ctx context.Context, id models.Identity, in StatusInput) (MutationResult, error) {
	status, err := models.ParseWatchStatus(in.Status)
	if err != nil {
		return MutationResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.Mutate(ctx, id, models.Mutation{
		Kind:            models.KindStatus,
		Key:             models.RecordKey{ItemKey: in.ItemKey},
		Value:           models.Value{Status: status, Progress: in.Progress},
		ClientUpdatedAt: in.ClientUpdatedAt,
		Force:           in.Force,
	})
}

func (s *SyncService) SetEpisodeReview(ctx context.Context, id models.Identity, in EpisodeReviewInput) (MutationResult, error) {
	return s.Mutate(ctx, id, models.Mutation{
		Kind:            models.KindEpisodeReview,
		Key:             models.RecordKey{ItemKey: in.ItemKey, Episode: in.Episode},
		Value:           models.Value{Text: in.Text},
		ClientUpdatedAt: in.ClientUpdatedAt,
		Force:           in.Force,
	})
}

// Mutate validates m, runs it through the conditional write and fans out every written
// record after commit. A rejected write returns *ConflictError and nothing is published.
func (s *SyncService) Mutate(ctx context.Context, id models.Identity, m models.Mutation) (MutationResult, error) {
	if err := checkIdentity(id); err != nil {
		return MutationResult{}, err
	}
	m.Key.ItemKey = strings.TrimSpace(m.Key.ItemKey)
	if err := validateShape(m); err != nil {
		return MutationResult{}, err
	}
	total := 0
	if m.Kind != models.KindFavorite {
		t, err := s.catalog.TotalEpisodes(ctx, m.Key.ItemKey)
		if err != nil {
			return MutationResult{}, fmt.Errorf("catalog lookup: %w", err)
		}
		total = t
	}
	if m.Kind == models.KindEpisodeReview && total > 0 && m.Key.Episode > total {
		return MutationResult{}, fmt.Errorf("%w: episode %d exceeds total %d", ErrValidation, m.Key.Episode, total)
	}
	force := m.Force || !s.arb.Enabled(m.Kind)
	// A caller that goes away mid-request does not cancel its write or the fan-out.
	ctx = context.WithoutCancel(ctx)

	var written []models.Record
	err := s.store.WithTx(ctx, func(tx repos.Tx) error {
		written = written[:0]
		value := m.Value
		if m.Kind == models.KindStatus {
			prev, err := currentValue(ctx, tx, id.ID, models.KindStatus, m.Key)
			if err != nil {
				return err
			}
			value = models.NormalizeStatus(prev, m.Value, total)
		}
		rec, err := write(ctx, tx, id.ID, m, value, force)
		if err != nil {
			return err
		}
		written = append(written, rec)

		if m.Kind != models.KindEpisodeReview || rec.Deleted() {
			return nil
		}
		advanced, err := advanceStatus(ctx, tx, id.ID, m.Key, total)
		if err != nil {
			return err
		}
		if advanced != nil {
			written = append(written, *advanced)
		}
		return nil
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.log.Infof("rejected %s user=%s basis=%d server=%d", conflict.Conflict.ID(), id.ID, conflict.Conflict.ClientUpdatedAt, conflict.Conflict.ServerVersion.UpdatedAt)
		}
		return MutationResult{}, err
	}

	for _, rec := range written {
		s.log.Debugf("accepted %s user=%s updated_at=%d", rec.ID(), id.ID, rec.UpdatedAt)
		if s.pub == nil {
			continue
		}
		if err := s.pub.Publish(ctx, id.ID, models.EventFor(rec)); err != nil {
			s.log.Warnf("publish %s user=%s: %v", rec.ID(), id.ID, err)
		}
	}
	return MutationResult{UpdatedAt: written[0].UpdatedAt, Records: written}, nil
}

// advanceStatus moves the item's progress up to the reviewed episode. The status is
// read and written inside the review's transaction; a status write that slips in
// between (a row inserted concurrently cannot be locked in advance) is re-read and the
// advance recomputed on top of it, so only the review itself can conflict.
func advanceStatus(ctx context.Context, tx repos.Tx, userID string, review models.RecordKey, total int) (*models.Record, error) {
	statusKey := models.RecordKey{ItemKey: review.ItemKey}
	for attempt := 1; ; attempt++ {
		current, err := tx.Get(ctx, userID, models.KindStatus, statusKey)
		if err != nil && !errors.Is(err, repos.ErrNotFound) {
			return nil, err
		}
		var cur models.Value
		var basis int64
		if current != nil {
			cur, basis = current.Value, current.UpdatedAt
		}
		next, ok := models.AdvanceProgress(cur, review.Episode, total)
		if !ok {
			return nil, nil
		}
		advance := models.Mutation{Kind: models.KindStatus, Key: statusKey, Value: next, ClientUpdatedAt: basis}
		rec, err := write(ctx, tx, userID, advance, next, false)
		var conflict *ConflictError
		if errors.As(err, &conflict) && attempt < maxAdvanceAttempts {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("advance status of %s: %w", review.ItemKey, err)
		}
		return &rec, nil
	}
}

func write(ctx context.Context, tx repos.Tx, userID string, m models.Mutation, value models.Value, force bool) (models.Record, error) {
	res, err := tx.ConditionalWrite(ctx, userID, repos.Write{
		Kind:            m.Kind,
		Key:             m.Key,
		Value:           value,
		ClientUpdatedAt: m.ClientUpdatedAt,
		Force:           force,
	})
	if err != nil {
		return models.Record{}, err
	}
	if !res.Accepted {
		return models.Record{}, &ConflictError{Conflict: models.Conflict{
			Kind:            m.Kind,
			Key:             m.Key,
			Proposed:        m.Value.ForKind(m.Kind),
			ClientUpdatedAt: m.ClientUpdatedAt,
			ServerVersion:   res.Record,
		}}
	}
	return res.Record, nil
}

func currentValue(ctx context.Context, tx repos.Tx, userID string, kind models.RecordKind, key models.RecordKey) (models.Value, error) {
	rec, err := tx.Get(ctx, userID, kind, key)
	if errors.Is(err, repos.ErrNotFound) {
		return models.Value{}, nil
	}
	if err != nil {
		return models.Value{}, err
	}
	return rec.Value, nil
}

func checkIdentity(id models.Identity) error {
	if strings.TrimSpace(id.ID) == "" {
		return fmt.Errorf("%w: missing user", ErrForbidden)
	}
	if id.Banned {
		return fmt.Errorf("%w: user %s is banned", ErrForbidden, id.ID)
	}
	return nil
}

func validateShape(m models.Mutation) error {
	if m.Key.ItemKey == "" {
		return fmt.Errorf("%w: item_key is required", ErrValidation)
	}
	switch m.Kind {
	case models.KindFavorite:
		if m.Key.Episode != 0 {
			return fmt.Errorf("%w: favorites have no episode", ErrValidation)
		}
	case models.KindStatus:
		if _, err := models.ParseWatchStatus(string(m.Value.Status)); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if m.Value.Progress < 0 {
			return fmt.Errorf("%w: progress must not be negative", ErrValidation)
		}
		if m.Key.Episode != 0 {
			return fmt.Errorf("%w: statuses have no episode", ErrValidation)
		}
	case models.KindEpisodeReview:
		if m.Key.Episode < 1 {
			return fmt.Errorf("%w: episode must be at least 1", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, m.Kind)
	}
	return nil
}
