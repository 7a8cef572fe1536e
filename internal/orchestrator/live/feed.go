// Package live buffers transcript events of the active recording for push
// clients.
package live

import (
	"sync"
	"time"
)

// Event types.
const (
	TypeSegment   = "segment"
	TypeState     = "state"
	TypeInference = "inference"
)

// Event is one update of the active recording.
type Event struct {
	Type        string    `json:"type"`
	RecordingID string    `json:"recording_id"`
	Time        time.Time `json:"time"`

	// segment events
	Segment     int    `json:"segment"`
	Text        string `json:"text,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`
	WordCount   int    `json:"word_count,omitempty"`

	// state and inference events
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Feed keeps the most recent events and republishes them on a channel.
type Feed struct {
	mu       sync.RWMutex
	recent   []Event
	maxSize  int
	eventsCh chan Event
	now      func() time.Time
}

// NewFeed creates a feed holding maxRecent events with an events channel
// buffer of size buffer.
func NewFeed(maxRecent, buffer int) *Feed {
	return &Feed{
		recent:   make([]Event, 0, maxRecent),
		maxSize:  maxRecent,
		eventsCh: make(chan Event, buffer),
		now:      time.Now,
	}
}

// Emit records e and publishes it without blocking. A full channel drops
// the event for channel readers; it is still kept in Recent.
func (f *Feed) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = f.now()
	}

	f.mu.Lock()
	f.recent = append(f.recent, e)
	if len(f.recent) > f.maxSize {
		f.recent = f.recent[len(f.recent)-f.maxSize:]
	}
	f.mu.Unlock()

	select {
	case f.eventsCh <- e:
	default:
	}
}

// Events returns the channel of published events.
func (f *Feed) Events() <-chan Event { return f.eventsCh }

// Recent returns the kept events of recording id, oldest first. An empty id
// returns all of them.
func (f *Feed) Recent(id string) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Event, 0, len(f.recent))
	for _, e := range f.recent {
		if id == "" || e.RecordingID == id {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops the kept events.
func (f *Feed) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent = f.recent[:0]
}
