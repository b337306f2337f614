package state

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchsync/internal/models"
)

type conflictErr struct{ c models.Conflict }

func (e *conflictErr) Error() string                       { return "conflict" }
func (e *conflictErr) ConflictDescriptor() models.Conflict { return e.c }

type fakeBackend struct {
	mu    sync.Mutex
	sent  []models.Mutation
	clock int64
	reply func(m models.Mutation, clock int64) ([]models.Record, error)
}

func (b *fakeBackend) Submit(_ context.Context, m models.Mutation) ([]models.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, m)
	b.clock += 10
	if b.reply != nil {
		return b.reply(m, b.clock)
	}
	return []models.Record{{Kind: m.Kind, Key: m.Key, Value: m.Value, UpdatedAt: b.clock}}, nil
}

func (b *fakeBackend) mutations() []models.Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Mutation(nil), b.sent...)
}

type sink struct {
	mu        sync.Mutex
	conflicts []models.Conflict
}

func (s *sink) Report(c models.Conflict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, c)
}

type memOutbox struct {
	mu      sync.Mutex
	pending []models.Mutation
}

func (o *memOutbox) Append(m models.Mutation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, m)
	return nil
}

func (o *memOutbox) Pending() ([]models.Mutation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Mutation(nil), o.pending...), nil
}

func TestMutateAdoptsServerTimestamp(t *testing.T) {
	backend := &fakeBackend{clock: 100}
	c := NewCache(Options{Backend: backend})

	rec, err := c.Favorite(context.Background(), "anime-1", true)
	require.NoError(t, err)
	assert.True(t, rec.Value.Favorite)
	assert.Zero(t, rec.UpdatedAt, "optimistic record keeps its basis")

	c.Wait()
	got, ok := c.Get(models.KindFavorite, models.RecordKey{ItemKey: "anime-1"})
	require.True(t, ok)
	assert.EqualValues(t, 110, got.UpdatedAt)
	assert.True(t, c.Tracker().Snapshot().Connected)
}

func TestBackToBackEditsChainBasis(t *testing.T) {
	backend := &fakeBackend{clock: 100}
	c := NewCache(Options{Backend: backend})
	ctx := context.Background()

	_, err := c.SetEpisodeReview(ctx, "anime-1", 1, "first")
	require.NoError(t, err)
	_, err = c.SetEpisodeReview(ctx, "anime-1", 1, "second")
	require.NoError(t, err)
	c.Wait()

	var reviews []models.Mutation
	for _, m := range backend.mutations() {
		if m.Kind == models.KindEpisodeReview {
			reviews = append(reviews, m)
		}
	}
	require.Len(t, reviews, 2)
	assert.Zero(t, reviews[0].ClientUpdatedAt)
	assert.EqualValues(t, 110, reviews[1].ClientUpdatedAt, "second edit builds on the first")

	got, _ := c.Get(models.KindEpisodeReview, models.RecordKey{ItemKey: "anime-1", Episode: 1})
	assert.Equal(t, "second", got.Value.Text)
	assert.EqualValues(t, 120, got.UpdatedAt)
}

func TestConflictKeepsOptimisticValue(t *testing.T) {
	server := models.Record{Kind: models.KindEpisodeReview, Key: models.RecordKey{ItemKey: "anime-1", Episode: 3}, Value: models.Value{Text: "good"}, UpdatedAt: 100}
	backend := &fakeBackend{reply: func(m models.Mutation, _ int64) ([]models.Record, error) {
		return nil, &conflictErr{c: models.Conflict{Kind: m.Kind, Key: m.Key, Proposed: m.Value, ClientUpdatedAt: m.ClientUpdatedAt, ServerVersion: server}}
	}}
	s := &sink{}
	c := NewCache(Options{Backend: backend, Conflicts: s})

	_, err := c.SetEpisodeReview(context.Background(), "anime-1", 3, "bad")
	require.NoError(t, err)
	c.Wait()

	got, _ := c.Get(models.KindEpisodeReview, server.Key)
	assert.Equal(t, "bad", got.Value.Text, "no automatic rollback")
	require.Len(t, s.conflicts, 1)
	assert.Equal(t, "good", s.conflicts[0].ServerVersion.Value.Text)
	assert.True(t, c.Conflicted(server.ID()))
	assert.Equal(t, 1, c.Tracker().Snapshot().Conflicts)

	c.Adopt(server)
	assert.False(t, c.Conflicted(server.ID()))
	got, _ = c.Get(models.KindEpisodeReview, server.Key)
	assert.Equal(t, server, got)
}

func TestAdoptKeepsNewerVersion(t *testing.T) {
	c := NewCache(Options{Backend: &fakeBackend{reply: func(m models.Mutation, _ int64) ([]models.Record, error) {
		return nil, &conflictErr{c: models.Conflict{Kind: m.Kind, Key: m.Key, Proposed: m.Value, ClientUpdatedAt: m.ClientUpdatedAt}}
	}}})
	key := models.RecordKey{ItemKey: "anime-1", Episode: 3}
	good := models.Record{Kind: models.KindEpisodeReview, Key: key, Value: models.Value{Text: "good"}, UpdatedAt: 100}
	better := models.Record{Kind: models.KindEpisodeReview, Key: key, Value: models.Value{Text: "better"}, UpdatedAt: 110}

	_, err := c.SetEpisodeReview(context.Background(), "anime-1", 3, "bad")
	require.NoError(t, err)
	c.Wait()
	require.True(t, c.Conflicted(good.ID()))

	c.ApplyRemote(models.EventFor(better))
	c.Adopt(good)
	got, _ := c.Get(models.KindEpisodeReview, key)
	assert.Equal(t, better, got, "an older server version does not roll the view back")
	assert.False(t, c.Conflicted(good.ID()))
	assert.Zero(t, c.Tracker().Snapshot().Conflicts)
}

func TestAcceptedWriteAdoptsCompanionRecords(t *testing.T) {
	status := models.RecordKey{ItemKey: "anime-1"}
	backend := &fakeBackend{reply: func(m models.Mutation, clock int64) ([]models.Record, error) {
		written := []models.Record{{Kind: m.Kind, Key: m.Key, Value: m.Value, UpdatedAt: clock}}
		if m.Kind == models.KindEpisodeReview {
			written = append(written, models.Record{Kind: models.KindStatus, Key: status, Value: models.Value{Status: models.StatusWatching, Progress: m.Key.Episode}, UpdatedAt: clock})
		}
		return written, nil
	}}
	c := NewCache(Options{Backend: backend})
	ctx := context.Background()

	_, err := c.SetEpisodeReview(ctx, "anime-1", 3, "nice")
	require.NoError(t, err)
	c.Wait()
	st, ok := c.Get(models.KindStatus, status)
	require.True(t, ok)
	assert.EqualValues(t, 10, st.UpdatedAt, "status takes the server timestamp of the composite write")

	_, err = c.SetStatus(ctx, "anime-1", models.StatusWatching, 5)
	require.NoError(t, err)
	c.Wait()
	sent := backend.mutations()
	require.Len(t, sent, 2)
	assert.EqualValues(t, 10, sent[1].ClientUpdatedAt)
}

func TestChainRebasesOnAcceptedPredecessor(t *testing.T) {
	var ch Chain
	on := models.Mutation{Kind: models.KindFavorite, Key: models.RecordKey{ItemKey: "a"}, Value: models.Value{Favorite: true}}
	off := models.Mutation{Kind: models.KindFavorite, Key: on.Key}

	assert.Zero(t, ch.Next(on).ClientUpdatedAt)
	ch.Accepted(models.Record{Kind: on.Kind, Key: on.Key, Value: on.Value, UpdatedAt: 50})
	assert.EqualValues(t, 50, ch.Next(off).ClientUpdatedAt)

	// Without an accepted predecessor the original basis stands.
	assert.Zero(t, ch.Next(on).ClientUpdatedAt)
	forced := off
	forced.Force = true
	ch.Accepted(models.Record{UpdatedAt: 70})
	assert.Zero(t, ch.Next(forced).ClientUpdatedAt)
}

func TestTransportFailureQueuesMutation(t *testing.T) {
	backend := &fakeBackend{reply: func(models.Mutation, int64) ([]models.Record, error) {
		return nil, fmt.Errorf("%w: connection refused", ErrTransport)
	}}
	outbox := &memOutbox{}
	c := NewCache(Options{Backend: backend, Outbox: outbox})

	_, err := c.SetStatus(context.Background(), "anime-1", models.StatusWatching, 2)
	require.NoError(t, err)
	c.Wait()

	got, _ := c.Get(models.KindStatus, models.RecordKey{ItemKey: "anime-1"})
	assert.Equal(t, models.Value{Status: models.StatusWatching, Progress: 2}, got.Value)
	pending, _ := outbox.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, models.KindStatus, pending[0].Kind)
	st := c.Tracker().Snapshot()
	assert.False(t, st.Connected)
	assert.Equal(t, 1, st.Queued)
	assert.Contains(t, st.LastError, "connection refused")
}

func TestLiveEditJoinsQueuedEditsOfSameRecord(t *testing.T) {
	backend := &fakeBackend{clock: 100}
	outbox := &memOutbox{}
	key := models.RecordKey{ItemKey: "anime-1"}
	require.NoError(t, outbox.Append(models.Mutation{Kind: models.KindFavorite, Key: key, Value: models.Value{Favorite: true}}))
	c := NewCache(Options{Backend: backend, Outbox: outbox})
	ctx := context.Background()

	_, err := c.Favorite(ctx, "anime-1", false)
	require.NoError(t, err)
	_, err = c.Favorite(ctx, "anime-2", true)
	require.NoError(t, err)
	c.Wait()

	sent := backend.mutations()
	require.Len(t, sent, 1, "only the record without queued edits goes out live")
	assert.Equal(t, "anime-2", sent[0].Key.ItemKey)
	pending, _ := outbox.Pending()
	require.Len(t, pending, 2)
	assert.False(t, pending[1].Value.Favorite)
	assert.Equal(t, 2, c.Tracker().Snapshot().Queued)
	select {
	case <-c.Queued():
	default:
		t.Fatal("queueing a mutation did not signal")
	}
}

func TestReplayRebasesOnAcceptedLiveWrite(t *testing.T) {
	backend := &fakeBackend{clock: 100}
	c := NewCache(Options{Backend: backend})
	ctx := context.Background()
	key := models.RecordKey{ItemKey: "anime-1"}

	_, err := c.Favorite(ctx, "anime-1", true)
	require.NoError(t, err)
	c.Wait()

	release := c.Hold(models.RecordID{Kind: models.KindFavorite, Key: key})
	rec, accepted, err := c.Replay(ctx, models.Mutation{Kind: models.KindFavorite, Key: key})
	release()
	require.NoError(t, err)
	require.True(t, accepted)
	sent := backend.mutations()
	require.Len(t, sent, 2)
	assert.EqualValues(t, 110, sent[1].ClientUpdatedAt, "queued edit made on the same basis builds on the accepted one")
	assert.EqualValues(t, 120, rec.UpdatedAt)
}

func TestLoadPreservesPendingRecords(t *testing.T) {
	outbox := &memOutbox{}
	c := NewCache(Options{Outbox: outbox})
	queued := models.Record{Kind: models.KindFavorite, Key: models.RecordKey{ItemKey: "queued"}, Value: models.Value{Favorite: true}, UpdatedAt: 5}
	c.Adopt(queued)
	require.NoError(t, outbox.Append(models.Mutation{Kind: queued.Kind, Key: queued.Key, Value: queued.Value}))
	c.Adopt(models.Record{Kind: models.KindFavorite, Key: models.RecordKey{ItemKey: "stale"}, Value: models.Value{Favorite: true}, UpdatedAt: 1})

	require.NoError(t, c.Load([]models.Record{
		{Kind: models.KindFavorite, Key: models.RecordKey{ItemKey: "queued"}, Value: models.Value{}, UpdatedAt: 9},
		{Kind: models.KindFavorite, Key: models.RecordKey{ItemKey: "fresh"}, Value: models.Value{Favorite: true}, UpdatedAt: 9},
	}))

	records := c.Records()
	require.Len(t, records, 2)
	got, _ := c.Get(models.KindFavorite, queued.Key)
	assert.Equal(t, queued, got)
	_, ok := c.Get(models.KindFavorite, models.RecordKey{ItemKey: "stale"})
	assert.False(t, ok)
}

func TestApplyRemoteEchoIsNoop(t *testing.T) {
	c := NewCache(Options{})
	var changes int
	c.OnChange(func(models.Record) { changes++ })

	evt := models.EventFor(models.Record{Kind: models.KindFavorite, Key: models.RecordKey{ItemKey: "a"}, Value: models.Value{Favorite: true}, UpdatedAt: 42})
	c.ApplyRemote(evt)
	c.ApplyRemote(evt)
	assert.Equal(t, 1, changes)
	assert.Len(t, c.Records(), 1)

	c.ApplyRemote(models.Event{Type: "rating_updated"})
	assert.Len(t, c.Records(), 1)
}

func TestMutateValidation(t *testing.T) {
	c := NewCache(Options{})
	ctx := context.Background()
	_, err := c.Favorite(ctx, "  ", true)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = c.SetEpisodeReview(ctx, "a", 0, "x")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = c.SetStatus(ctx, "a", "binging", 1)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Empty(t, c.Records())
}
