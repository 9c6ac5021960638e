package relay

import (
	"strings"
	"sync"

	"github.com/RichardoC/zik/internal/backend"
	"github.com/pkg/errors"
)

// Sink is the client side of a turn.
type Sink interface {
	Delta(text string) error
	Done() error
	Error(message string) error
}

// CommitFunc stores a finished reply in the conversation.
type CommitFunc func(text string) error

// Relay carries one generation turn from a backend to a client. It owns the
// text accumulated so far and guarantees that exactly one terminal event
// (done or error) reaches the sink, after every delta.
type Relay struct {
	sink   Sink
	commit CommitFunc

	mu        sync.Mutex
	buf       strings.Builder
	finished  bool
	committed bool
}

func New(sink Sink, commit CommitFunc) *Relay {
	return &Relay{sink: sink, commit: commit}
}

// Delta appends text and forwards it right away.
func (r *Relay) Delta(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || text == "" {
		return
	}
	r.buf.WriteString(text)
	_ = r.sink.Delta(text)
}

// Done commits the accumulated reply, unless it is empty, and ends the turn.
func (r *Relay) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishLocked()
}

// Cancel is a user stop: the partial reply is kept exactly as Done would keep it.
func (r *Relay) Cancel() {
	r.Done()
}

// Fail ends the turn with an error. Nothing is committed.
func (r *Relay) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	_ = r.sink.Error(Describe(err))
}

// Discard drops the buffer of a turn that another turn replaced.
func (r *Relay) Discard(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	r.buf.Reset()
	_ = r.sink.Error(reason)
}

func (r *Relay) finishLocked() {
	if r.finished {
		return
	}
	r.finished = true

	text := r.buf.String()
	if text == "" {
		_ = r.sink.Done()
		return
	}
	if err := r.commit(text); err != nil {
		_ = r.sink.Error(Describe(errors.Wrap(err, "could not store the reply")))
		return
	}
	r.committed = true
	_ = r.sink.Done()
}

// Committed reports whether the reply made it into the conversation.
func (r *Relay) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// Describe turns a backend failure into the text shown in the error bubble.
func Describe(err error) string {
	if err == nil {
		return "Generation failed."
	}

	var ce *backend.ConfigurationError
	var te *backend.TransportError
	var pe *backend.ProcessError
	switch {
	case errors.As(err, &ce):
		return "The backend is not configured correctly: " + ce.Reason
	case errors.As(err, &te):
		return "Failed to generate a response, the connection to the backend failed. For reference, here's the error:\n```text\n" + err.Error() + "\n```"
	case errors.As(err, &pe):
		return "The local model stopped unexpectedly and will be restarted on the next message. For reference, here's the error:\n```text\n" + err.Error() + "\n```"
	default:
		return "Failed to generate a response:\n```text\n" + err.Error() + "\n```"
	}
}
