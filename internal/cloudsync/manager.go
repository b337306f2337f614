package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"watchsync/internal/localstore"
	"watchsync/internal/logging"
	"watchsync/internal/models"
	"watchsync/internal/state"
)

// Outbox is the replay side of the durable mutation queue.
type Outbox interface {
	List() ([]localstore.Entry, error)
	Has(seq uint64) (bool, error)
	Remove(seq uint64) error
}

// Mirror receives the full record set after every resync.
type Mirror interface {
	ReplaceRecords(records []models.Record) error
}

type ManagerOptions struct {
	Client     *Client
	Cache      *state.Cache
	Outbox     Outbox
	Mirror     Mirror
	Log        *logging.Logger
	MaxBackoff time.Duration
}

// Manager owns the remote session: it subscribes to events, replays the outbox, loads
// a fresh snapshot and then applies events until the stream drops, reconnecting with
// exponential backoff.
type Manager struct {
	client     *Client
	cache      *state.Cache
	outbox     Outbox
	mirror     Mirror
	log        *logging.Logger
	maxBackoff time.Duration

	readyOnce sync.Once
	ready     chan struct{}
}

func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		client:     opts.Client,
		cache:      opts.Cache,
		outbox:     opts.Outbox,
		mirror:     opts.Mirror,
		log:        opts.Log,
		maxBackoff: opts.MaxBackoff,
		ready:      make(chan struct{}),
	}
	if m.log == nil {
		m.log = logging.Nop()
	}
	if m.maxBackoff <= 0 {
		m.maxBackoff = 30 * time.Second
	}
	return m
}

// Ready is closed after the first successful resync.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// SyncOnce replays the outbox and loads a snapshot without subscribing.
func (m *Manager) SyncOnce(ctx context.Context) error {
	if err := m.ReplayOutbox(ctx); err != nil {
		m.cache.Tracker().MarkSyncError(err.Error())
		return err
	}
	if err := m.resync(ctx); err != nil {
		m.cache.Tracker().MarkSyncError(err.Error())
		return err
	}
	return nil
}

func (m *Manager) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = m.maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		established, err := m.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			bo.Reset()
		}
		m.cache.Tracker().MarkSyncError(err.Error())
		wait := bo.NextBackOff()
		m.log.Warnf("sync session ended: %v (retry in %s)", err, wait.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (m *Manager) session(ctx context.Context) (bool, error) {
	stream, err := m.client.DialEvents(ctx)
	if err != nil {
		return false, err
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	// Subscribed before reading the snapshot, so nothing committed after the read is
	// missed; events arriving meanwhile wait in the stream buffer.
	if err := m.SyncOnce(ctx); err != nil {
		return false, err
	}
	m.cache.Tracker().MarkSyncSuccess()
	m.readyOnce.Do(func() { close(m.ready) })
	m.log.Infof("sync session established")

	// Writes queued while connected are retried at once and then periodically, not
	// only on the next reconnect.
	retry := time.NewTicker(m.maxBackoff)
	defer retry.Stop()
	events := stream.Events()
loop:
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				break loop
			}
			m.cache.ApplyRemote(evt)
		case <-m.cache.Queued():
			m.replayLive(ctx)
		case <-retry.C:
			m.replayLive(ctx)
		}
	}
	m.cache.Tracker().SetConnected(false)
	if err := stream.Err(); err != nil {
		return true, err
	}
	return true, errors.New("event stream closed")
}

func (m *Manager) replayLive(ctx context.Context) {
	if m.outbox == nil {
		return
	}
	if entries, err := m.outbox.List(); err != nil || len(entries) == 0 {
		return
	}
	if err := m.ReplayOutbox(ctx); err != nil {
		m.log.Warnf("replay outbox: %v", err)
	}
	m.cache.Recount()
}

// ReplayOutbox resubmits queued mutations oldest first. Each entry is sent while its
// record is held, on the same basis chain as the device's live writes, so a replayed
// edit never fights one the device already got accepted. It stops at the first
// transport failure and keeps that entry and everything after it.
func (m *Manager) ReplayOutbox(ctx context.Context) error {
	if m.outbox == nil {
		return nil
	}
	entries, err := m.outbox.List()
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	for _, e := range entries {
		release := m.cache.Hold(e.Mutation.ID())
		err := m.replay(ctx, e)
		release()
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) replay(ctx context.Context, e localstore.Entry) error {
	queued, err := m.outbox.Has(e.Seq)
	if err != nil {
		return fmt.Errorf("read outbox entry %d: %w", e.Seq, err)
	}
	if !queued {
		return nil
	}
	if _, _, err := m.cache.Replay(ctx, e.Mutation); err != nil {
		return err
	}
	if err := m.outbox.Remove(e.Seq); err != nil {
		return fmt.Errorf("remove outbox entry %d: %w", e.Seq, err)
	}
	m.log.Infof("replayed queued %s (%s)", e.Mutation.ID(), e.ID)
	return nil
}

func (m *Manager) resync(ctx context.Context) error {
	snap, err := m.client.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := m.cache.Load(snap.Records()); err != nil {
		return err
	}
	if m.mirror != nil {
		if err := m.mirror.ReplaceRecords(m.cache.Records()); err != nil {
			m.log.Warnf("mirror records: %v", err)
		}
	}
	return nil
}
