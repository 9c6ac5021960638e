package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RichardoC/zik/internal/backend"
	"github.com/RichardoC/zik/internal/models"
	"github.com/RichardoC/zik/internal/relay"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// script plays one reply on events. The channel is closed when it returns.
type script func(ctx context.Context, messages []models.Message, events chan<- backend.Event)

func reply(chunks ...string) script {
	return func(ctx context.Context, _ []models.Message, events chan<- backend.Event) {
		for _, chunk := range chunks {
			events <- backend.Event{Type: backend.EventDelta, Text: chunk}
		}
		events <- backend.Event{Type: backend.EventDone}
	}
}

// hold streams chunks then waits for cancellation, like a slow model.
func hold(chunks ...string) script {
	return func(ctx context.Context, _ []models.Message, events chan<- backend.Event) {
		for _, chunk := range chunks {
			events <- backend.Event{Type: backend.EventDelta, Text: chunk}
		}
		<-ctx.Done()
	}
}

func crash(chunks ...string) script {
	return func(ctx context.Context, _ []models.Message, events chan<- backend.Event) {
		for _, chunk := range chunks {
			events <- backend.Event{Type: backend.EventDelta, Text: chunk}
		}
		events <- backend.Event{Type: backend.EventError, Err: &backend.ProcessError{Op: "read reply", Err: errors.New("exit status 3")}}
	}
}

type fakeBackend struct {
	stateful bool
	// stalled receives one value for every Send that blocks, like a request
	// still waiting for response headers.
	stalled chan struct{}

	mu       sync.Mutex
	scripts  []script
	sessions []*fakeSession
	openErr  error
	stalls   int
}

func (f *fakeBackend) queue(s ...script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, s...)
}

func (f *fakeBackend) next() script {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scripts) == 0 {
		return reply("ok")
	}
	s := f.scripts[0]
	f.scripts = f.scripts[1:]
	return s
}

// stall makes the next n Sends block until their context ends and then fail.
func (f *fakeBackend) stall(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalls += n
	f.stalled = make(chan struct{}, f.stalls)
}

func (f *fakeBackend) takeStall() (chan struct{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stalls == 0 {
		return nil, false
	}
	f.stalls--
	return f.stalled, true
}

func (f *fakeBackend) Open(ctx context.Context, cfg backend.Config, logger *zap.Logger) (backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeSession{backend: f}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeBackend) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeBackend) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

type fakeSession struct {
	backend *fakeBackend

	mu     sync.Mutex
	sent   [][]models.Message
	closed bool
}

func (s *fakeSession) Send(ctx context.Context, messages []models.Message) (<-chan backend.Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &backend.TransportError{Op: "send", Err: errors.New("session closed")}
	}
	s.sent = append(s.sent, messages)
	s.mu.Unlock()

	if stalled, ok := s.backend.takeStall(); ok {
		stalled <- struct{}{}
		<-ctx.Done()
		return nil, &backend.TransportError{Op: "open stream", Err: ctx.Err()}
	}

	play := s.backend.next()
	events := make(chan backend.Event, 16)
	go func() {
		defer close(events)
		play(ctx, messages, events)
	}()
	return events, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Kind() backend.Kind {
	if s.backend.stateful {
		return backend.KindSubprocess
	}
	return backend.KindHosted
}

func (s *fakeSession) Stateful() bool { return s.backend.stateful }

func (s *fakeSession) requests() [][]models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]models.Message(nil), s.sent...)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type memoryStore struct {
	mu    sync.Mutex
	trees map[string][]byte
	saves int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{trees: make(map[string][]byte)}
}

func (m *memoryStore) LoadTree(ctx context.Context, id string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.trees[id]
	return data, ok, nil
}

func (m *memoryStore) SaveTree(ctx context.Context, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trees[id] = append([]byte(nil), data...)
	m.saves++
	return nil
}

// drain reads a sink until its terminal event.
func drain(t *testing.T, sink *relay.ChanSink) (string, relay.Event) {
	t.Helper()
	var text string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sink.Events():
			require.True(t, ok, "sink closed without a terminal event")
			if ev.Type == relay.EventDelta {
				text += ev.Text
				continue
			}
			return text, ev
		case <-timeout:
			t.Fatal("timed out waiting for the turn to finish")
		}
	}
}

// firstDelta blocks until the sink has forwarded one delta.
func firstDelta(t *testing.T, sink *relay.ChanSink) string {
	t.Helper()
	select {
	case ev := <-sink.Events():
		require.Equal(t, relay.EventDelta, ev.Type)
		return ev.Text
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a delta")
	}
	return ""
}
