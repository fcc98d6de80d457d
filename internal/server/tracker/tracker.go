// Package tracker keeps the in-memory registry of in-flight uploads. It is
// fed by every ingestion path and read by the notification fan-out and the
// status endpoints.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Meta is the descriptive part of a session.
type Meta struct {
	Filename    string `json:"filename"`
	ClientName  string `json:"clientName,omitempty"`
	ProjectName string `json:"projectName,omitempty"`
	StorageKind string `json:"storageKind,omitempty"`
	// Source names the ingestion path that reported the session.
	Source string `json:"source,omitempty"`
}

func (m *Meta) merge(o Meta) {
	if o.Filename != "" {
		m.Filename = o.Filename
	}
	if o.ClientName != "" {
		m.ClientName = o.ClientName
	}
	if o.ProjectName != "" {
		m.ProjectName = o.ProjectName
	}
	if o.StorageKind != "" {
		m.StorageKind = o.StorageKind
	}
	if o.Source != "" {
		m.Source = o.Source
	}
}

// Snapshot is an immutable copy of a session.
type Snapshot struct {
	ID          string     `json:"id"`
	Size        int64      `json:"size"`
	Offset      int64      `json:"offset"`
	Meta        Meta       `json:"meta"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// Cancelled is set when the session ended without all bytes arriving.
	Cancelled bool `json:"cancelled,omitempty"`
	// Speed is the throughput between the last two updates, bytes/s.
	Speed float64 `json:"speed"`
	// Seq increases with every change of any session; observers use it to
	// discard updates delivered out of order.
	Seq uint64 `json:"seq"`
}

// Done reports whether the session has completed.
func (s Snapshot) Done() bool { return s.CompletedAt != nil }

// Percent returns offset/size in percent, 0 when the size is unknown.
func (s Snapshot) Percent() float64 {
	if s.Size <= 0 {
		return 0
	}
	p := float64(s.Offset) * 100 / float64(s.Size)
	if p > 100 {
		return 100
	}
	return p
}

type session struct {
	Snapshot
}

// Tracker is a mutex-guarded registry of upload sessions. The zero value is
// not usable; construct with New.
type Tracker struct {
	mu        sync.Mutex
	sessions  map[string]*session
	seq       uint64
	observers []func(Snapshot)

	ttl        time.Duration
	capacity   int
	sweepEvery time.Duration
	now        func() time.Time
}

type Option func(*Tracker)

// WithTTL sets how long completed sessions stay available for late queries.
func WithTTL(d time.Duration) Option { return func(t *Tracker) { t.ttl = d } }

// WithCapacity bounds the number of retained sessions.
func WithCapacity(n int) Option { return func(t *Tracker) { t.capacity = n } }

func WithSweepInterval(d time.Duration) Option { return func(t *Tracker) { t.sweepEvery = d } }

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func New(opts ...Option) *Tracker {
	t := &Tracker{
		sessions:   make(map[string]*session),
		ttl:        time.Hour,
		capacity:   10000,
		sweepEvery: time.Minute,
		now:        time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// OnUpdate registers an observer invoked after every Track and the first
// Complete of a session. Observers run on the caller's goroutine, outside the
// tracker lock, and must not block.
func (t *Tracker) OnUpdate(fn func(Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Track upserts the session for id. Offsets never move backwards: a stale
// lower offset only refreshes the update time. A non-positive size keeps the
// previously declared one. A finished session is left as is and observers
// are not notified.
func (t *Tracker) Track(id string, size, offset int64, meta Meta) Snapshot {
	now := t.now()

	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok && s.Done() {
		snap := s.Snapshot
		t.mu.Unlock()
		return snap
	}
	if !ok {
		t.makeRoom()
		s = &session{Snapshot{ID: id, CreatedAt: now, UpdatedAt: now}}
		t.sessions[id] = s
	} else {
		delta := offset - s.Offset
		if delta < 0 {
			delta = 0
		}
		if dt := now.Sub(s.UpdatedAt).Seconds(); dt > 0 {
			s.Speed = float64(delta) / dt
		}
		s.UpdatedAt = now
	}
	if offset > s.Offset {
		s.Offset = offset
	}
	if size > 0 {
		s.Size = size
	}
	s.Meta.merge(meta)
	snap := t.bump(s)
	observers := t.observers
	t.mu.Unlock()

	notify(observers, snap)
	return snap
}

// Complete marks the session terminal and moves its offset to the declared
// size. It reports false for unknown ids. Completing twice returns the
// stored snapshot without notifying observers again.
func (t *Tracker) Complete(id string) (Snapshot, bool) {
	return t.finish(id, false)
}

// Cancel marks the session terminal without moving its offset.
func (t *Tracker) Cancel(id string) (Snapshot, bool) {
	return t.finish(id, true)
}

func (t *Tracker) finish(id string, cancelled bool) (Snapshot, bool) {
	now := t.now()

	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()
		return Snapshot{}, false
	}
	if s.Done() {
		snap := s.Snapshot
		t.mu.Unlock()
		return snap, true
	}
	if !cancelled && s.Size > s.Offset {
		s.Offset = s.Size
	}
	s.Cancelled = cancelled
	s.Speed = 0
	s.UpdatedAt = now
	s.CompletedAt = &now
	snap := t.bump(s)
	observers := t.observers
	t.mu.Unlock()

	notify(observers, snap)
	return snap, true
}

// Get returns the session for id.
func (t *Tracker) Get(id string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot, true
}

// List returns all sessions, oldest first.
func (t *Tracker) List() []Snapshot {
	t.mu.Lock()
	out := make([]Snapshot, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.Snapshot)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of retained sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Sweep drops completed sessions older than the TTL and returns how many
// were removed.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, s := range t.sessions {
		if s.Done() && now.Sub(*s.CompletedAt) >= t.ttl {
			delete(t.sessions, id)
			n++
		}
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}

// makeRoom evicts one session when the registry is full: the oldest
// completed session if any, otherwise the least recently updated one.
// Callers hold t.mu.
func (t *Tracker) makeRoom() {
	if t.capacity <= 0 || len(t.sessions) < t.capacity {
		return
	}

	var done, idle *session
	for _, s := range t.sessions {
		if s.Done() {
			if done == nil || s.CompletedAt.Before(*done.CompletedAt) {
				done = s
			}
			continue
		}
		if idle == nil || s.UpdatedAt.Before(idle.UpdatedAt) {
			idle = s
		}
	}
	if done != nil {
		delete(t.sessions, done.ID)
		return
	}
	if idle != nil {
		delete(t.sessions, idle.ID)
	}
}

func (t *Tracker) bump(s *session) Snapshot {
	t.seq++
	s.Seq = t.seq
	return s.Snapshot
}

func notify(observers []func(Snapshot), snap Snapshot) {
	for _, fn := range observers {
		fn(snap)
	}
}
