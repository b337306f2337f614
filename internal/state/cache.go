// Package state holds the session's view of the user's records. Local writes land in
// the view immediately and reach the backend asynchronously; remote events replace
// records unconditionally.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"watchsync/internal/catalog"
	"watchsync/internal/logging"
	"watchsync/internal/models"
)

var (
	// ErrTransport marks a submission that never got an answer. The mutation is queued
	// for replay when an outbox is configured.
	ErrTransport = errors.New("backend unreachable")
	ErrInvalid   = errors.New("invalid mutation")
)

// Backend is the write path behind the cache: the remote mutation endpoint or a purely
// local store. Submit returns every record an accepted write touched, the submitted one
// first; a review can also advance the item's status.
type Backend interface {
	Submit(ctx context.Context, m models.Mutation) ([]models.Record, error)
}

// ConflictCarrier is implemented by backend errors for rejected stale writes.
type ConflictCarrier interface {
	ConflictDescriptor() models.Conflict
}

type ConflictSink interface {
	Report(c models.Conflict)
}

// Outbox holds mutations that could not be sent. Append may fold m into an entry
// already queued for the same record.
type Outbox interface {
	Append(m models.Mutation) error
	Pending() ([]models.Mutation, error)
}

// AsConflict extracts a conflict descriptor from err.
func AsConflict(err error) (models.Conflict, bool) {
	var cc ConflictCarrier
	if errors.As(err, &cc) {
		return cc.ConflictDescriptor(), true
	}
	return models.Conflict{}, false
}

type Options struct {
	Backend   Backend
	Conflicts ConflictSink
	Outbox    Outbox
	Catalog   catalog.Catalog
	Tracker   *SyncTracker
	Log       *logging.Logger
	// SubmitTimeout bounds each asynchronous submission; zero means 30s.
	SubmitTimeout time.Duration
}

type Cache struct {
	mu         sync.Mutex
	view       View
	chains     map[models.RecordID][]models.Mutation
	conflicted map[models.RecordID]struct{}
	senders    map[models.RecordID]*sender
	listeners  []func(models.Record)
	queued     chan struct{}

	backend Backend
	sink    ConflictSink
	outbox  Outbox
	catalog catalog.Catalog
	tracker *SyncTracker
	log     *logging.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewCache(opts Options) *Cache {
	c := &Cache{
		view:       View{},
		chains:     map[models.RecordID][]models.Mutation{},
		conflicted: map[models.RecordID]struct{}{},
		senders:    map[models.RecordID]*sender{},
		queued:     make(chan struct{}, 1),
		backend:    opts.Backend,
		sink:       opts.Conflicts,
		outbox:     opts.Outbox,
		catalog:    opts.Catalog,
		tracker:    opts.Tracker,
		log:        opts.Log,
		timeout:    opts.SubmitTimeout,
	}
	if c.log == nil {
		c.log = logging.Nop()
	}
	if c.tracker == nil {
		c.tracker = NewSyncTracker("")
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	return c
}

// SetConflictSink wires the resolver after construction; the resolver itself needs the
// cache, so one of them has to come second.
func (c *Cache) SetConflictSink(sink ConflictSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// OnChange registers fn to be called after every change to a record in the view.
func (c *Cache) OnChange(fn func(models.Record)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Cache) Tracker() *SyncTracker {
	return c.tracker
}

// Queued fires after a mutation has been put in the outbox.
func (c *Cache) Queued() <-chan struct{} {
	return c.queued
}

// sender serializes everything this device sends for one record, live or replayed,
// and carries the basis chain between those sends.
type sender struct {
	mu    sync.Mutex
	chain Chain
}

func (c *Cache) senderFor(id models.RecordID) *sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.senders[id]
	if !ok {
		s = &sender{}
		c.senders[id] = s
	}
	return s
}

// Hold blocks live sends of the record until release is called. Replay must run
// under it.
func (c *Cache) Hold(id models.RecordID) (release func()) {
	s := c.senderFor(id)
	s.mu.Lock()
	return s.mu.Unlock
}

func (c *Cache) Favorite(ctx context.Context, itemKey string, favorite bool) (models.Record, error) {
	return c.Mutate(ctx, models.Mutation{Kind: models.KindFavorite, Key: models.RecordKey{ItemKey: itemKey}, Value: models.Value{Favorite: favorite}})
}

func (c *Cache) SetStatus(ctx context.Context, itemKey string, status models.WatchStatus, progress int) (models.Record, error) {
	return c.Mutate(ctx, models.Mutation{Kind: models.KindStatus, Key: models.RecordKey{ItemKey: itemKey}, Value: models.Value{Status: status, Progress: progress}})
}

func (c *Cache) SetEpisodeReview(ctx context.Context, itemKey string, episode int, text string) (models.Record, error) {
	return c.Mutate(ctx, models.Mutation{Kind: models.KindEpisodeReview, Key: models.RecordKey{ItemKey: itemKey, Episode: episode}, Value: models.Value{Text: text}})
}

// Mutate applies m to the view and returns the optimistic record without waiting for
// the backend. Submissions for the same record go out one at a time in order.
func (c *Cache) Mutate(ctx context.Context, m models.Mutation) (models.Record, error) {
	m.Key.ItemKey = strings.TrimSpace(m.Key.ItemKey)
	if err := validate(m); err != nil {
		return models.Record{}, err
	}
	total := 0
	if c.catalog != nil && m.Kind != models.KindFavorite {
		t, err := c.catalog.TotalEpisodes(ctx, m.Key.ItemKey)
		if err != nil {
			c.log.Warnf("catalog lookup %s: %v", m.Key.ItemKey, err)
		}
		total = t
	}

	c.mu.Lock()
	before := c.view
	next, out := Optimistic(c.view, m, total)
	c.view = next
	rec := next[m.ID()]
	changed := diff(before, next)
	id := m.ID()
	_, running := c.chains[id]
	c.chains[id] = append(c.chains[id], out)
	if !running {
		c.wg.Add(1)
		go c.drain(id)
	}
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, changed)
	return rec, nil
}

func (c *Cache) drain(id models.RecordID) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		queue := c.chains[id]
		if len(queue) == 0 {
			delete(c.chains, id)
			c.mu.Unlock()
			return
		}
		m := queue[0]
		c.chains[id] = queue[1:]
		c.mu.Unlock()

		c.send(m)
	}
}

// send submits m unless older edits of the record still wait in the outbox; then m
// joins them so the record's writes reach the server in order.
func (c *Cache) send(m models.Mutation) {
	s := c.senderFor(m.ID())
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.queuedFor(m.ID()) {
		c.enqueue(m)
		return
	}
	out := s.chain.Next(m)
	if rec, ok := c.submit(out); ok {
		s.chain.Accepted(rec)
	}
}

func (c *Cache) queuedFor(id models.RecordID) bool {
	if c.outbox == nil {
		return false
	}
	pending, err := c.outbox.Pending()
	if err != nil {
		c.log.Errorf("read outbox: %v", err)
		return false
	}
	for _, m := range pending {
		if m.ID() == id {
			return true
		}
	}
	return false
}

func (c *Cache) enqueue(m models.Mutation) {
	if c.outbox == nil {
		return
	}
	if err := c.outbox.Append(m); err != nil {
		c.log.Errorf("queue %s: %v", m.ID(), err)
		return
	}
	c.refreshCounts()
	select {
	case c.queued <- struct{}{}:
	default:
	}
}

func (c *Cache) submit(m models.Mutation) (models.Record, bool) {
	if c.backend == nil {
		return models.Record{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	written, err := c.backend.Submit(ctx, m)
	if err == nil {
		c.tracker.MarkSyncSuccess()
		return c.accept(m, written)
	}

	if conflict, ok := AsConflict(err); ok {
		c.tracker.MarkSyncSuccess()
		c.log.Infof("conflict on %s: server updated_at=%d basis=%d", conflict.ID(), conflict.ServerVersion.UpdatedAt, conflict.ClientUpdatedAt)
		c.report(conflict)
		return models.Record{}, false
	}

	c.tracker.MarkSyncError(err.Error())
	if errors.Is(err, ErrTransport) {
		c.log.Warnf("submit %s: %v", m.ID(), err)
		c.enqueue(m)
		return models.Record{}, false
	}
	c.log.Errorf("submit %s rejected: %v", m.ID(), err)
	return models.Record{}, false
}

// Submit sends m synchronously and adopts the accepted records. The conflict resolver
// uses it for forced resubmissions; a failure leaves the view untouched.
func (c *Cache) Submit(ctx context.Context, m models.Mutation) (models.Record, error) {
	if c.backend == nil {
		return models.Record{}, errors.New("no backend configured")
	}
	written, err := c.backend.Submit(ctx, m)
	if err != nil {
		if _, ok := AsConflict(err); !ok {
			c.tracker.MarkSyncError(err.Error())
		}
		return models.Record{}, err
	}
	if len(written) == 0 {
		return models.Record{}, fmt.Errorf("submit %s: backend returned no record", m.ID())
	}
	c.tracker.MarkSyncSuccess()
	c.Adopt(written[0])
	c.adoptAll(written[1:])
	return written[0], nil
}

// Replay resubmits a queued mutation through normal arbitration and reports whether it
// was accepted. The caller holds the record with Hold; the mutation is rebased on the
// same chain as live sends. Transport errors are returned so the caller keeps the
// entry; conflicts are reported and count as handled.
func (c *Cache) Replay(ctx context.Context, m models.Mutation) (models.Record, bool, error) {
	if c.backend == nil {
		return models.Record{}, false, errors.New("no backend configured")
	}
	s := c.senderFor(m.ID())
	m = s.chain.Next(m)
	written, err := c.backend.Submit(ctx, m)
	if err == nil {
		rec, ok := c.accept(m, written)
		if ok {
			s.chain.Accepted(rec)
		}
		return rec, ok, nil
	}
	if conflict, ok := AsConflict(err); ok {
		c.report(conflict)
		return models.Record{}, false, nil
	}
	if errors.Is(err, ErrTransport) {
		return models.Record{}, false, err
	}
	c.log.Errorf("replay %s dropped: %v", m.ID(), err)
	return models.Record{}, false, nil
}

// accept reconciles the submitted record and adopts the others the write touched.
func (c *Cache) accept(sent models.Mutation, written []models.Record) (models.Record, bool) {
	if len(written) == 0 {
		c.log.Errorf("submit %s: backend returned no record", sent.ID())
		return models.Record{}, false
	}
	c.mu.Lock()
	before := c.view
	c.view = Reconcile(c.view, sent, written[0])
	changed := diff(before, c.view)
	listeners := c.listeners
	c.mu.Unlock()
	notify(listeners, changed)
	c.adoptAll(written[1:])
	return written[0], true
}

// adoptAll takes records the server wrote alongside a submission. A record with local
// writes still queued is left to those writes.
func (c *Cache) adoptAll(records []models.Record) {
	if len(records) == 0 {
		return
	}
	c.mu.Lock()
	before := c.view
	for _, rec := range records {
		if _, pending := c.chains[rec.ID()]; pending {
			continue
		}
		c.view = Adopt(c.view, rec)
	}
	changed := diff(before, c.view)
	listeners := c.listeners
	c.mu.Unlock()
	notify(listeners, changed)
}

func (c *Cache) report(conflict models.Conflict) {
	c.mu.Lock()
	c.conflicted[conflict.ID()] = struct{}{}
	sink := c.sink
	c.mu.Unlock()
	c.refreshCounts()
	if sink != nil {
		sink.Report(conflict)
	}
}

// ApplyRemote replaces the record carried by evt, whatever the view holds.
func (c *Cache) ApplyRemote(evt models.Event) {
	rec := evt.Record()
	if rec.Kind == "" {
		c.log.Warnf("ignoring event with unknown type %q", evt.Type)
		return
	}
	c.mu.Lock()
	before := c.view
	c.view = Apply(c.view, rec)
	changed := diff(before, c.view)
	listeners := c.listeners
	c.mu.Unlock()
	notify(listeners, changed)
}

// Adopt takes rec as the server's version of a record and clears any unresolved
// conflict on it. A newer version already in the view is kept.
func (c *Cache) Adopt(rec models.Record) {
	c.mu.Lock()
	before := c.view
	c.view = Adopt(c.view, rec)
	delete(c.conflicted, rec.ID())
	changed := diff(before, c.view)
	listeners := c.listeners
	c.mu.Unlock()
	c.refreshCounts()
	notify(listeners, changed)
}

// Load replaces the view with a fresh snapshot. Records with an unresolved conflict,
// a queued mutation or a submission in flight keep their local value.
func (c *Cache) Load(records []models.Record) error {
	keep := map[models.RecordID]struct{}{}
	if c.outbox != nil {
		pending, err := c.outbox.Pending()
		if err != nil {
			return fmt.Errorf("read outbox: %w", err)
		}
		for _, m := range pending {
			keep[m.ID()] = struct{}{}
		}
	}

	c.mu.Lock()
	before := c.view
	next := FromRecords(records)
	for id := range c.conflicted {
		keep[id] = struct{}{}
	}
	for id := range c.chains {
		keep[id] = struct{}{}
	}
	for id := range keep {
		if r, ok := before[id]; ok {
			next[id] = r
		}
	}
	c.view = next
	changed := diff(before, next)
	listeners := c.listeners
	c.mu.Unlock()
	c.refreshCounts()
	notify(listeners, changed)
	return nil
}

func (c *Cache) Get(kind models.RecordKind, key models.RecordKey) (models.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.Get(models.RecordID{Kind: kind, Key: key})
}

func (c *Cache) Records() []models.Record {
	c.mu.Lock()
	v := c.view
	c.mu.Unlock()
	return v.Records()
}

func (c *Cache) Snapshot() models.Snapshot {
	return models.NewSnapshot(c.Records())
}

func (c *Cache) Conflicted(id models.RecordID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conflicted[id]
	return ok
}

// Recount refreshes the conflict and queue counts in the sync status.
func (c *Cache) Recount() {
	c.refreshCounts()
}

// Wait blocks until every submission started so far has finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) refreshCounts() {
	queued := 0
	if c.outbox != nil {
		if pending, err := c.outbox.Pending(); err == nil {
			queued = len(pending)
		}
	}
	c.mu.Lock()
	conflicts := len(c.conflicted)
	c.mu.Unlock()
	c.tracker.setCounts(conflicts, queued)
}

func validate(m models.Mutation) error {
	if m.Key.ItemKey == "" {
		return fmt.Errorf("%w: item key is required", ErrInvalid)
	}
	switch m.Kind {
	case models.KindFavorite:
	case models.KindStatus:
		if _, err := models.ParseWatchStatus(string(m.Value.Status)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if m.Value.Progress < 0 {
			return fmt.Errorf("%w: negative progress", ErrInvalid)
		}
	case models.KindEpisodeReview:
		if m.Key.Episode < 1 {
			return fmt.Errorf("%w: episode must be at least 1", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, m.Kind)
	}
	return nil
}

func diff(before, after View) []models.Record {
	var out []models.Record
	for id, r := range after {
		if prev, ok := before[id]; !ok || prev != r {
			out = append(out, r)
		}
	}
	return out
}

func notify(listeners []func(models.Record), changed []models.Record) {
	for _, r := range changed {
		for _, fn := range listeners {
			fn(r)
		}
	}
}
