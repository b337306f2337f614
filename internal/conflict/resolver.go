// Package conflict walks the user through rejected writes one at a time.
package conflict

import (
	"context"
	"errors"
	"sync"

	"watchsync/internal/logging"
	"watchsync/internal/models"
)

var (
	ErrNothingPending = errors.New("no conflict is being presented")
	ErrBusy           = errors.New("conflict resolution already in progress")
)

type State int

const (
	Idle State = iota
	Presenting
	ResolvedKeepMine
	ResolvedKeepServer
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Presenting:
		return "presenting"
	case ResolvedKeepMine:
		return "resolved_keep_mine"
	case ResolvedKeepServer:
		return "resolved_keep_server"
	}
	return "unknown"
}

// Cache is the part of the client state the resolver writes to.
type Cache interface {
	Adopt(rec models.Record)
	Submit(ctx context.Context, m models.Mutation) (models.Record, error)
}

// Resolver presents the oldest unresolved conflict; later ones wait their turn.
type Resolver struct {
	mu        sync.Mutex
	cache     Cache
	queue     []models.Conflict
	state     State
	resolving bool
	listeners []func(State, models.Conflict)
	log       *logging.Logger
}

func NewResolver(cache Cache, log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.Nop()
	}
	return &Resolver{cache: cache, log: log}
}

// OnChange registers fn for every state transition. The conflict argument is the one
// the transition concerns, or the zero value when going idle.
func (r *Resolver) OnChange(fn func(State, models.Conflict)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Resolver) Report(c models.Conflict) {
	r.mu.Lock()
	r.queue = append(r.queue, c)
	presentNow := r.state == Idle
	if presentNow {
		r.state = Presenting
	}
	listeners := r.listeners
	r.mu.Unlock()

	r.log.Infof("conflict queued for %s (pending=%d)", c.ID(), r.Pending())
	if presentNow {
		emit(listeners, Presenting, c)
	}
}

func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Resolver) Current() (models.Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return models.Conflict{}, false
	}
	return r.queue[0], true
}

func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// KeepServer accepts the persisted version, or anything newer the session has seen
// since. Nothing is sent to the server.
func (r *Resolver) KeepServer() error {
	head, listeners, err := r.begin()
	if err != nil {
		return err
	}
	r.cache.Adopt(head.ServerVersion)
	r.finish(ResolvedKeepServer, head, listeners)
	return nil
}

// KeepMine re-submits the proposed value past arbitration. On failure the conflict
// stays presented and can be retried.
func (r *Resolver) KeepMine(ctx context.Context) (models.Record, error) {
	head, listeners, err := r.begin()
	if err != nil {
		return models.Record{}, err
	}
	rec, err := r.cache.Submit(ctx, head.Resubmission())
	if err != nil {
		r.mu.Lock()
		r.resolving = false
		r.mu.Unlock()
		r.log.Warnf("keep mine for %s failed: %v", head.ID(), err)
		return models.Record{}, err
	}
	r.finish(ResolvedKeepMine, head, listeners)
	return rec, nil
}

func (r *Resolver) begin() (models.Conflict, []func(State, models.Conflict), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Presenting || len(r.queue) == 0 {
		return models.Conflict{}, nil, ErrNothingPending
	}
	if r.resolving {
		return models.Conflict{}, nil, ErrBusy
	}
	r.resolving = true
	return r.queue[0], r.listeners, nil
}

func (r *Resolver) finish(resolved State, head models.Conflict, listeners []func(State, models.Conflict)) {
	r.mu.Lock()
	r.state = resolved
	r.mu.Unlock()
	emit(listeners, resolved, head)

	r.mu.Lock()
	r.queue = r.queue[1:]
	r.resolving = false
	var next models.Conflict
	if len(r.queue) > 0 {
		r.state = Presenting
		next = r.queue[0]
	} else {
		r.state = Idle
	}
	state := r.state
	r.mu.Unlock()
	emit(listeners, state, next)
}

func emit(listeners []func(State, models.Conflict), s State, c models.Conflict) {
	for _, fn := range listeners {
		fn(s, c)
	}
}
