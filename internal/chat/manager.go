package chat

import (
	"context"
	"sync"
	"time"

	"github.com/RichardoC/zik/internal/backend"
	"github.com/RichardoC/zik/internal/conversation"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// BackendResolver picks the backend for a conversation, usually from the
// model stored with the chat.
type BackendResolver func(ctx context.Context, conversationID string) (backend.Config, error)

// Manager keeps one Controller per open conversation.
type Manager struct {
	store    TreeStore
	resolve  BackendResolver
	open     backend.Opener
	validate func(backend.Config) error
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.Mutex
	controllers map[string]*Controller
}

type ManagerOption func(*Manager)

// WithOpener replaces backend.Open. The opener then does its own validation.
func WithOpener(open backend.Opener) ManagerOption {
	return func(m *Manager) {
		m.open = open
		m.validate = nil
	}
}

// WithValidator sets the configuration check run before a new turn.
func WithValidator(validate func(backend.Config) error) ManagerOption {
	return func(m *Manager) { m.validate = validate }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(store TreeStore, resolve BackendResolver, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:       store,
		resolve:     resolve,
		open:        backend.Open,
		validate:    backend.Validate,
		logger:      logger,
		now:         time.Now,
		controllers: make(map[string]*Controller),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SystemMessage is the root message of a new conversation.
func SystemMessage(now time.Time) string {
	return "Date and time: " + now.Format("Monday, January 2, 2006 15:04:05 MST")
}

// Get returns the controller for id, loading its tree from the store or
// starting a new one.
func (m *Manager) Get(ctx context.Context, id string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.controllers[id]; ok {
		return c, nil
	}

	tree, err := m.loadTree(ctx, id)
	if err != nil {
		return nil, err
	}

	cfg, cfgErr := m.resolve(ctx, id)
	if cfgErr != nil {
		m.logger.Warn("conversation has no usable backend", zap.String("conversation", id), zap.Error(cfgErr))
	}

	c := NewController(id, tree, Options{
		Backend:    cfg,
		BackendErr: cfgErr,
		Open:       m.open,
		Validate:   m.validate,
		Store:      m.store,
		Logger:     m.logger,
	})
	m.controllers[id] = c
	return c, nil
}

func (m *Manager) loadTree(ctx context.Context, id string) (*conversation.Tree, error) {
	data, ok, err := m.store.LoadTree(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load conversation %s", id)
	}
	if !ok {
		tree := conversation.New(SystemMessage(m.now()))
		data, err := conversation.Encode(tree)
		if err != nil {
			return nil, err
		}
		if err := m.store.SaveTree(ctx, id, data); err != nil {
			return nil, errors.Wrapf(err, "save conversation %s", id)
		}
		return tree, nil
	}

	tree, err := conversation.Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode conversation %s", id)
	}
	return tree, nil
}

// Forget closes the controller for id. The next Get reloads it from the
// store, which also picks up a changed model.
func (m *Manager) Forget(id string) error {
	m.mu.Lock()
	c, ok := m.controllers[id]
	delete(m.controllers, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return c.Close()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	controllers := m.controllers
	m.controllers = make(map[string]*Controller)
	m.mu.Unlock()

	var err error
	for id, c := range controllers {
		err = multierr.Append(err, errors.Wrapf(c.Close(), "close conversation %s", id))
	}
	return err
}
