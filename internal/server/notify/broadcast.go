package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dmitrijs2005/mediaingest/internal/server/tracker"
)

// Broadcaster is a publish/subscribe channel for administrative observers.
type Broadcaster interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe returns a channel of payloads that is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// Event types carried by Payload.
const (
	EventProgress  = "upload.progress"
	EventCompleted = "upload.completed"
	EventCancelled = "upload.cancelled"
)

// Payload is the JSON document broadcast for every tracker update.
type Payload struct {
	Type    string           `json:"type"`
	Percent float64          `json:"percent"`
	Session tracker.Snapshot `json:"session"`
}

func NewPayload(s tracker.Snapshot) Payload {
	p := Payload{Type: EventProgress, Percent: s.Percent(), Session: s}
	switch {
	case s.Cancelled:
		p.Type = EventCancelled
	case s.Done():
		p.Type = EventCompleted
	}
	return p
}

// BroadcastSink publishes every update on a Broadcaster.
type BroadcastSink struct {
	b Broadcaster
}

func NewBroadcastSink(b Broadcaster) *BroadcastSink { return &BroadcastSink{b: b} }

func (s *BroadcastSink) Name() string { return "broadcast" }

func (s *BroadcastSink) Handle(ctx context.Context, snap tracker.Snapshot) error {
	data, err := json.Marshal(NewPayload(snap))
	if err != nil {
		return err
	}
	return s.b.Publish(ctx, data)
}

// LocalBroadcaster fans payloads out in-process. Slow subscribers miss
// payloads instead of blocking publishers.
type LocalBroadcaster struct {
	mu     sync.RWMutex
	subs   map[chan []byte]struct{}
	buffer int
}

func NewLocalBroadcaster(buffer int) *LocalBroadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &LocalBroadcaster{subs: make(map[chan []byte]struct{}), buffer: buffer}
}

func (l *LocalBroadcaster) Publish(_ context.Context, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for ch := range l.subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (l *LocalBroadcaster) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, l.buffer)

	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, ch)
		close(ch)
		l.mu.Unlock()
	}()
	return ch, nil
}
