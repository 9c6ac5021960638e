package backend

import (
	"context"
	"time"

	"github.com/RichardoC/zik/internal/models"
	"go.uber.org/zap"
)

type Kind string

const (
	KindHosted     Kind = "hosted"
	KindSubprocess Kind = "subprocess"
)

type EventType string

const (
	EventDelta EventType = "delta"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one item of a reply stream. Err is set only for EventError.
type Event struct {
	Type EventType
	Text string
	Err  error
}

// Session is an open connection to one backend.
//
// Send starts a reply to the given messages and returns its event stream:
// zero or more deltas, then exactly one done or error event, after which the
// channel is closed. Only one reply may be in flight per session.
// Close releases the transport and may be called more than once.
type Session interface {
	Send(ctx context.Context, messages []models.Message) (<-chan Event, error)
	Close() error
	Kind() Kind
	// Stateful sessions keep the transcript on their side, so a retry or a
	// jump to another branch needs a fresh session rather than a resend.
	Stateful() bool
}

// Opener opens sessions; Open is the production implementation.
type Opener func(ctx context.Context, cfg Config, logger *zap.Logger) (Session, error)

const DefaultConnectTimeout = 4 * time.Second

// Config selects and parameterizes one backend.
type Config struct {
	Kind  Kind
	Model string

	// hosted
	BaseURL string
	APIKey  string

	// subprocess
	Executable string
	ModelPath  string
	// Args overrides the default command line built from ModelPath. An empty
	// list counts as unset.
	Args []string

	// ConnectTimeout bounds connection setup and process spawn.
	ConnectTimeout time.Duration
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout
}

// CommandArgs is the command line of the local model process.
func (c Config) CommandArgs() []string {
	if len(c.Args) == 0 {
		return defaultProcessArgs(c.ModelPath)
	}
	return c.Args
}

// Validate reports the *ConfigurationError Open would return for cfg without
// starting a process or making a connection.
func Validate(cfg Config) error {
	switch cfg.Kind {
	case KindHosted:
		return validateHosted(cfg)
	case KindSubprocess:
		return validateProcess(cfg)
	default:
		return configErrorf("unknown backend kind %q for model %q", cfg.Kind, cfg.Model)
	}
}

// Open validates cfg and opens the matching session. Configuration problems
// are reported as *ConfigurationError before any process or connection is made.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	var (
		sess Session
		err  error
	)
	switch cfg.Kind {
	case KindHosted:
		sess, err = openHosted(cfg, logger)
	case KindSubprocess:
		sess, err = openProcess(ctx, cfg, logger)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}
