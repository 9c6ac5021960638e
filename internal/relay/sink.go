package relay

import (
	"sync"

	"github.com/pkg/errors"
)

type EventType string

const (
	EventDelta EventType = "delta"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is what the browser receives. Text is set on deltas, Message on errors.
type Event struct {
	Type    EventType `json:"-"`
	Text    string    `json:"text,omitempty"`
	Message string    `json:"message,omitempty"`
}

var ErrSinkClosed = errors.New("sink closed")

// ChanSink queues events for a writer goroutine. The channel is closed right
// after the terminal event.
type ChanSink struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{events: make(chan Event, buffer)}
}

func (s *ChanSink) Events() <-chan Event {
	return s.events
}

func (s *ChanSink) Delta(text string) error {
	return s.push(Event{Type: EventDelta, Text: text}, false)
}

func (s *ChanSink) Done() error {
	return s.push(Event{Type: EventDone}, true)
}

func (s *ChanSink) Error(message string) error {
	return s.push(Event{Type: EventError, Message: message}, true)
}

func (s *ChanSink) push(ev Event, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.events <- ev
	if terminal {
		s.closed = true
		close(s.events)
	}
	return nil
}
