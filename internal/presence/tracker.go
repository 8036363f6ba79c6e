// Package presence derives an online/last-seen view of users from inbound
// user-status events.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"coursechat/pkg/types"
)

// Tracker maps user id to presence. Records are created on the first event
// for a user and never removed.
type Tracker struct {
	mu         sync.RWMutex
	records    map[string]record
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger

	watchMu   sync.RWMutex
	watchers  map[int]WatchFunc
	nextWatch int
}

type record struct {
	presence    types.Presence
	refreshedAt time.Time
}

// WatchFunc is called after every applied status event with the user's new state
type WatchFunc func(userID string, p types.Presence)

// Option configures a Tracker.
type Option func(*Tracker)

// WithStaleAfter bounds how long an online record stays online without a
// refresh. Zero disables the bound.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		t.staleAfter = d
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		records:  make(map[string]record),
		now:      time.Now,
		logger:   slog.Default(),
		watchers: make(map[int]WatchFunc),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "presence")
	return t
}

// OnStatusEvent upserts the record for ev.UserID. The last applied event wins
// regardless of the timestamps it carries.
func (t *Tracker) OnStatusEvent(ev types.StatusUpdate) {
	if ev.UserID == "" {
		t.logger.Warn("dropping status event without user id")
		return
	}

	p := types.Presence{IsOnline: ev.IsOnline, LastSeen: copyTime(ev.LastSeen)}

	t.mu.Lock()
	t.records[ev.UserID] = record{presence: p, refreshedAt: t.now()}
	t.mu.Unlock()

	t.logger.Debug("presence updated", "user_id", ev.UserID, "online", ev.IsOnline)
	t.notify(ev.UserID, p)
}

// GetStatus returns the user's presence. Unknown users read as offline with
// no last-seen time.
func (t *Tracker) GetStatus(userID string) types.Presence {
	t.mu.RLock()
	rec, ok := t.records[userID]
	t.mu.RUnlock()

	if !ok {
		return types.Presence{IsOnline: false, LastSeen: nil}
	}
	return t.effective(rec)
}

// Snapshot returns the effective presence of every known user.
func (t *Tracker) Snapshot() map[string]types.Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]types.Presence, len(t.records))
	for id, rec := range t.records {
		out[id] = t.effective(rec)
	}
	return out
}

// Watch registers fn for presence changes and returns a function that removes it.
func (t *Tracker) Watch(fn WatchFunc) (cancel func()) {
	t.watchMu.Lock()
	id := t.nextWatch
	t.nextWatch++
	t.watchers[id] = fn
	t.watchMu.Unlock()

	return func() {
		t.watchMu.Lock()
		delete(t.watchers, id)
		t.watchMu.Unlock()
	}
}

// effective applies the staleness bound: an online record that has not been
// refreshed within staleAfter reads as offline since its last refresh.
func (t *Tracker) effective(rec record) types.Presence {
	p := rec.presence
	p.LastSeen = copyTime(p.LastSeen)
	if !p.IsOnline || t.staleAfter <= 0 {
		return p
	}
	if t.now().Sub(rec.refreshedAt) > t.staleAfter {
		seen := rec.refreshedAt
		return types.Presence{IsOnline: false, LastSeen: &seen}
	}
	return p
}

func (t *Tracker) notify(userID string, p types.Presence) {
	t.watchMu.RLock()
	fns := make([]WatchFunc, 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.watchMu.RUnlock()

	for _, fn := range fns {
		fn(userID, p)
	}
}

func copyTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}
