package chat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RichardoC/zik/internal/backend"
	"github.com/RichardoC/zik/internal/conversation"
	"github.com/RichardoC/zik/internal/models"
	"github.com/RichardoC/zik/internal/relay"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TreeStore is the part of the persistence gateway the controller needs.
type TreeStore interface {
	LoadTree(ctx context.Context, conversationID string) ([]byte, bool, error)
	SaveTree(ctx context.Context, conversationID string, data []byte) error
}

var (
	ErrNothingToRegenerate = errors.New("no prompt to regenerate a reply for")
	ErrClosed              = errors.New("conversation closed")
)

const supersededMessage = "This reply was interrupted by a newer request."

// Turn is one generation in flight.
type Turn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	relay      *relay.Relay
	anchor     conversation.NodeID
	done       chan struct{}
	superseded atomic.Bool
}

// Done is closed once the terminal event has been delivered and the reply,
// if any, committed.
func (t *Turn) Done() <-chan struct{} { return t.done }

func (t *Turn) Wait() { <-t.done }

// Anchor is the node the reply is attached under.
func (t *Turn) Anchor() conversation.NodeID { return t.anchor }

// Stop cancels this turn only, keeping its partial reply. It does not wait.
func (t *Turn) Stop() { t.cancel() }

// Committed reports whether the turn added an assistant node.
func (t *Turn) Committed() bool { return t.relay.Committed() }

// Controller is the single control flow of one conversation: it owns the tree,
// at most one backend session and at most one turn in flight.
type Controller struct {
	id         string
	backendCfg backend.Config
	backendErr error
	open       backend.Opener
	validate   func(backend.Config) error
	store      TreeStore
	logger     *zap.Logger

	// opMu serializes Send/Edit/Regenerate/Stop/Close so that a new turn only
	// starts once the previous one is fully torn down.
	opMu sync.Mutex

	mu      sync.Mutex
	tree    *conversation.Tree
	session backend.Session
	// stale marks a stateful session whose transcript no longer matches the
	// live path (after an edit, regenerate, branch switch or system change).
	stale  bool
	turn   *Turn
	closed bool
}

type Options struct {
	Backend backend.Config
	// BackendErr is returned instead of opening a session, e.g. when the
	// chat's model is not configured.
	BackendErr error
	Open       backend.Opener
	// Validate catches configuration errors before a turn in flight is
	// superseded. It defaults to backend.Validate when Open is unset.
	Validate func(backend.Config) error
	Store    TreeStore
	Logger   *zap.Logger
}

func NewController(id string, tree *conversation.Tree, opts Options) *Controller {
	if opts.Open == nil {
		opts.Open = backend.Open
		if opts.Validate == nil {
			opts.Validate = backend.Validate
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{
		id:         id,
		backendCfg: opts.Backend,
		backendErr: opts.BackendErr,
		open:       opts.Open,
		validate:   opts.Validate,
		store:      opts.Store,
		logger:     opts.Logger.With(zap.String("conversation", id)),
		tree:       tree,
	}
}

func (c *Controller) ID() string { return c.id }

// Messages linearizes the live path.
func (c *Controller) Messages() []conversation.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Linearize()
}

// NodeCount returns the number of nodes in the tree.
func (c *Controller) NodeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Len()
}

// Send appends a user turn and starts generating the reply.
func (c *Controller) Send(ctx context.Context, text string, sink relay.Sink) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, conversation.ErrEmptyInput
	}
	return c.begin(ctx, sink, step{
		apply: func(tree *conversation.Tree) (conversation.NodeID, []models.Message, error) {
			n, err := tree.AppendUser(text)
			if err != nil {
				return "", nil, err
			}
			return n.ID, conversation.Messages(tree.Linearize()), nil
		},
	})
}

// Edit adds an edited copy of the user turn nodeID and generates a reply to it.
func (c *Controller) Edit(ctx context.Context, nodeID conversation.NodeID, text string, sink relay.Sink) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, conversation.ErrEmptyInput
	}
	return c.begin(ctx, sink, step{
		restate: true,
		check: func(tree *conversation.Tree) error {
			n, ok := tree.Node(nodeID)
			if !ok {
				return errors.Wrapf(conversation.ErrUnknownNode, "edit %s", nodeID)
			}
			if n.Role != conversation.RoleUser {
				return errors.Wrapf(conversation.ErrNotUserTurn, "edit %s", nodeID)
			}
			return nil
		},
		apply: func(tree *conversation.Tree) (conversation.NodeID, []models.Message, error) {
			n, err := tree.EditUserTurn(nodeID, text)
			if err != nil {
				return "", nil, err
			}
			return n.ID, conversation.Messages(tree.Linearize()), nil
		},
	})
}

// Regenerate asks for another reply to the prompt at the end of the live
// path. The previous reply stays as a sibling branch.
func (c *Controller) Regenerate(ctx context.Context, sink relay.Sink) (*Turn, error) {
	return c.begin(ctx, sink, step{
		restate: true,
		check: func(tree *conversation.Tree) error {
			_, err := regenerateAnchor(tree)
			return err
		},
		apply: func(tree *conversation.Tree) (conversation.NodeID, []models.Message, error) {
			anchor, err := regenerateAnchor(tree)
			if err != nil {
				return "", nil, err
			}
			if err := tree.SetCurrent(anchor); err != nil {
				return "", nil, err
			}
			return anchor, conversation.ThreadMessages(tree.Thread(anchor)), nil
		},
	})
}

// regenerateAnchor is the user turn the last reply answered, or the last user
// turn itself when its reply never arrived.
func regenerateAnchor(tree *conversation.Tree) (conversation.NodeID, error) {
	entries := tree.Linearize()
	leaf := entries[len(entries)-1]
	switch leaf.Role {
	case conversation.RoleAssistant:
		return leaf.ParentID, nil
	case conversation.RoleUser:
		return leaf.ID, nil
	default:
		return "", ErrNothingToRegenerate
	}
}

// Stop cancels the turn in flight. Whatever was generated so far is kept.
func (c *Controller) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.cancelTurn(false)
}

// SelectBranch switches the live path at nodeID. Out-of-range indexes are
// ignored and report false.
func (c *Controller) SelectBranch(ctx context.Context, nodeID conversation.NodeID, index int) (bool, error) {
	c.mu.Lock()
	ok := c.tree.SelectBranch(nodeID, index)
	var data []byte
	var err error
	if ok {
		c.stale = true
		data, err = conversation.Encode(c.tree)
	}
	c.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	return true, c.save(ctx, data)
}

// SetSystemMessage replaces the root message. Replacing it once turns exist is
// allowed, the last write wins.
func (c *Controller) SetSystemMessage(ctx context.Context, text string) error {
	c.mu.Lock()
	hadTurns := c.tree.SetSystemMessage(text)
	c.stale = true
	data, err := conversation.Encode(c.tree)
	c.mu.Unlock()

	if hadTurns {
		c.logger.Warn("system message replaced after turns were generated under the previous one")
	}
	if err != nil {
		return err
	}
	return c.save(ctx, data)
}

// Close stops any turn in flight and releases the backend session.
func (c *Controller) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.cancelTurn(false)

	c.mu.Lock()
	c.closed = true
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return nil
}

type step struct {
	// restate means the resend is not a plain continuation of the transcript.
	restate bool
	// check validates without mutating, before any session is opened.
	check func(*conversation.Tree) error
	apply func(*conversation.Tree) (conversation.NodeID, []models.Message, error)
}

func (c *Controller) begin(ctx context.Context, sink relay.Sink, s step) (*Turn, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if s.check != nil {
		c.mu.Lock()
		err := s.check(c.tree)
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	// A request that cannot run must not cost the turn in flight.
	if err := c.usable(); err != nil {
		return nil, err
	}

	c.cancelTurn(true)

	if s.restate {
		c.mu.Lock()
		c.stale = true
		c.mu.Unlock()
	}

	sess, openErr := c.ensureSession(ctx)
	var ce *backend.ConfigurationError
	if errors.As(openErr, &ce) {
		return nil, openErr
	}

	c.mu.Lock()
	anchor, messages, err := s.apply(c.tree)
	var data []byte
	if err == nil {
		data, err = conversation.Encode(c.tree)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := c.save(ctx, data); err != nil {
		c.logger.Error("failed to persist conversation", zap.Error(err))
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	t := &Turn{
		ctx:    turnCtx,
		cancel: cancel,
		anchor: anchor,
		done:   make(chan struct{}),
	}
	t.relay = relay.New(sink, func(text string) error {
		return c.commit(t, text)
	})

	c.mu.Lock()
	c.turn = t
	c.mu.Unlock()

	go c.run(t, sess, openErr, messages)
	return t, nil
}

func (c *Controller) usable() error {
	if c.backendErr != nil {
		return c.backendErr
	}
	if c.validate == nil {
		return nil
	}
	return c.validate(c.backendCfg)
}

// ensureSession returns a session that can take the next turn, respawning a
// stateful one whose transcript went stale.
func (c *Controller) ensureSession(ctx context.Context) (backend.Session, error) {
	if c.backendErr != nil {
		return nil, c.backendErr
	}

	c.mu.Lock()
	sess := c.session
	stale := c.stale
	c.mu.Unlock()

	if sess != nil && !(stale && sess.Stateful()) {
		return sess, nil
	}
	if sess != nil {
		c.logger.Debug("respawning stateful session")
		c.dropSession(sess)
	}

	sess, err := c.open(ctx, c.backendCfg, c.logger)
	if err != nil {
		c.logger.Warn("failed to open backend session", zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	c.session = sess
	c.stale = false
	c.mu.Unlock()
	return sess, nil
}

func (c *Controller) run(t *Turn, sess backend.Session, openErr error, messages []models.Message) {
	defer close(t.done)
	defer c.clearTurn(t)
	defer t.cancel()

	if openErr != nil {
		t.relay.Fail(openErr)
		return
	}

	events, err := sess.Send(t.ctx, messages)
	if err != nil {
		if t.ctx.Err() != nil {
			c.interrupted(t, sess)
			return
		}
		c.failed(sess, err)
		t.relay.Fail(err)
		return
	}

	for {
		select {
		case <-t.ctx.Done():
			c.interrupted(t, sess)
			return

		case ev, ok := <-events:
			if t.ctx.Err() != nil && (!ok || ev.Type != backend.EventDelta) {
				// the session noticed the cancellation first
				c.interrupted(t, sess)
				return
			}
			if !ok {
				err := &backend.TransportError{Op: "read reply", Err: errors.New("stream closed without a terminal event")}
				c.failed(sess, err)
				t.relay.Fail(err)
				return
			}
			switch ev.Type {
			case backend.EventDelta:
				t.relay.Delta(ev.Text)
			case backend.EventDone:
				t.relay.Done()
				return
			case backend.EventError:
				c.failed(sess, ev.Err)
				t.relay.Fail(ev.Err)
				return
			}
		}
	}
}

// interrupted ends a cancelled turn. The session may still be generating, so
// it is dropped and the next turn opens a fresh one.
func (c *Controller) interrupted(t *Turn, sess backend.Session) {
	c.dropSession(sess)
	if t.superseded.Load() {
		t.relay.Discard(supersededMessage)
		return
	}
	t.relay.Cancel()
}

// failed tears down a session that cannot be trusted after err.
func (c *Controller) failed(sess backend.Session, err error) {
	c.logger.Warn("turn failed", zap.Error(err))
	var pe *backend.ProcessError
	if errors.As(err, &pe) || sess.Stateful() {
		c.dropSession(sess)
	}
}

func (c *Controller) dropSession(sess backend.Session) {
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()

	if err := sess.Close(); err != nil {
		c.logger.Warn("failed to close backend session", zap.Error(err))
	}
}

func (c *Controller) commit(t *Turn, text string) error {
	c.mu.Lock()
	_, err := c.tree.RegenerateReplyTo(t.anchor, text)
	var data []byte
	if err == nil {
		data, err = conversation.Encode(c.tree)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.save(context.Background(), data); err != nil {
		c.logger.Error("failed to persist reply", zap.Error(err))
	}
	return nil
}

// cancelTurn stops the turn in flight and waits until it is torn down.
// Called with opMu held.
func (c *Controller) cancelTurn(superseded bool) {
	c.mu.Lock()
	t := c.turn
	c.mu.Unlock()
	if t == nil {
		return
	}

	if superseded {
		t.superseded.Store(true)
	}
	t.cancel()
	<-t.done
}

func (c *Controller) clearTurn(t *Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == t {
		c.turn = nil
	}
}

func (c *Controller) save(ctx context.Context, data []byte) error {
	if c.store == nil {
		return nil
	}
	return c.store.SaveTree(ctx, c.id, data)
}
