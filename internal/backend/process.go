package backend

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/RichardoC/zik/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Framing of the local model process. Newlines inside a prompt are sent as
// LineBreak so the process does not answer each line separately; Submit ends
// the prompt. The process prints EndOfReply once its answer is complete.
const (
	LineBreak  = '\r'
	Submit     = '\n'
	EndOfReply = '\f'
)

// processSession owns one long-lived model process. The process keeps the
// transcript itself: the first Send replays every message, later ones only
// the new user turn.
type processSession struct {
	logger *zap.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	mu      sync.Mutex
	turn    chan Event
	sent    int
	exitErr error

	closed    chan struct{}
	closeOnce sync.Once
	exited    chan struct{}
}

func defaultProcessArgs(modelPath string) []string {
	return []string{"--model", modelPath, "--repeat_penalty", "2.0", "--top_k", "40"}
}

func validateProcess(cfg Config) error {
	if cfg.Executable == "" {
		return configErrorf("no executable configured for local model %q", cfg.Model)
	}
	if _, err := os.Stat(cfg.Executable); err != nil {
		return configErrorf("executable not found: %s", cfg.Executable)
	}
	if cfg.ModelPath == "" {
		return configErrorf("no model file configured for local model %q", cfg.Model)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return configErrorf("model file not found: %s", cfg.ModelPath)
	}
	return nil
}

func openProcess(ctx context.Context, cfg Config, logger *zap.Logger) (*processSession, error) {
	logger = logger.With(zap.String("backend", string(KindSubprocess)), zap.String("model", cfg.Model))
	cmd := exec.Command(cfg.Executable, cfg.CommandArgs()...)
	cmd.Stderr = zap.NewStdLog(logger.Named("stderr")).Writer()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ProcessError{Op: "stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessError{Op: "stdout pipe", Err: err}
	}

	if err := startWithin(ctx, cmd, cfg.connectTimeout()); err != nil {
		return nil, err
	}
	logger.Info("spawned local model", zap.Int("pid", cmd.Process.Pid))

	s := &processSession{
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		closed: make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.read(stdout)
	return s, nil
}

// startWithin starts cmd, giving up after timeout. A start that completes late
// is killed.
func startWithin(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) error {
	return waitStarted(ctx, cmd.Start, func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}, timeout)
}

// waitStarted runs start, giving up after timeout or when ctx ends. If start
// later succeeds anyway, abandon is called to undo it.
func waitStarted(ctx context.Context, start func() error, abandon func(), timeout time.Duration) error {
	started := make(chan error, 1)
	go func() { started <- start() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case err := <-started:
		if err != nil {
			return &ProcessError{Op: "spawn", Err: err}
		}
		return nil
	case <-timer.C:
		cause = errors.Errorf("process did not start within %s", timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	go func() {
		if err := <-started; err == nil {
			abandon()
		}
	}()
	return &TransportError{Op: "spawn", Err: cause}
}

func (s *processSession) Kind() Kind     { return KindSubprocess }
func (s *processSession) Stateful() bool { return true }

func (s *processSession) Send(ctx context.Context, messages []models.Message) (<-chan Event, error) {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil, &ProcessError{Op: "send", Err: errors.New("session closed")}
	case <-s.exited:
		s.mu.Unlock()
		return nil, &ProcessError{Op: "send", Err: s.exitCause()}
	default:
	}
	if s.turn != nil {
		s.mu.Unlock()
		return nil, &ProcessError{Op: "send", Err: errors.New("a reply is already in progress")}
	}

	prompt := s.prompt(messages)
	if prompt == "" {
		s.mu.Unlock()
		return nil, &ProcessError{Op: "send", Err: errors.New("nothing new to send")}
	}

	turn := make(chan Event, 64)
	s.turn = turn
	s.sent++
	n := s.sent
	s.mu.Unlock()

	// The write happens outside mu: the reader needs it to keep draining stdout.
	if _, err := io.WriteString(s.stdin, prompt+string(Submit)); err != nil {
		s.mu.Lock()
		if s.turn == turn {
			s.turn = nil
		}
		s.mu.Unlock()
		return nil, &ProcessError{Op: "write prompt", Err: err}
	}
	s.logger.Debug("prompt written", zap.Int("turn", n), zap.Int("bytes", len(prompt)))
	return turn, nil
}

// prompt builds the text for the next turn. Called with mu held.
func (s *processSession) prompt(messages []models.Message) string {
	if s.sent == 0 {
		parts := make([]string, 0, len(messages))
		for _, m := range messages {
			parts = append(parts, encodePrompt(m.Content))
		}
		return strings.Join(parts, string(LineBreak))
	}
	if len(messages) == 0 {
		return ""
	}
	last := messages[len(messages)-1]
	if last.Role != "user" {
		return ""
	}
	return encodePrompt(last.Content)
}

func encodePrompt(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\n", string(LineBreak))
}

func (s *processSession) read(stdout io.Reader) {
	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			chunk, carry = splitIncompleteRune(chunk)
			s.dispatch(string(chunk))
		}
		if err != nil {
			if len(carry) > 0 {
				// The process ended mid-character; pass the bytes on as they are.
				s.dispatch(string(carry))
			}
			s.exit(err)
			return
		}
	}
}

// splitIncompleteRune holds back a trailing partial UTF-8 sequence so a
// multi-byte character is never cut in two deltas.
func splitIncompleteRune(b []byte) ([]byte, []byte) {
	for k := 1; k <= utf8.UTFMax && k <= len(b); k++ {
		if utf8.RuneStart(b[len(b)-k]) {
			if !utf8.FullRune(b[len(b)-k:]) {
				return b[:len(b)-k], append([]byte(nil), b[len(b)-k:]...)
			}
			break
		}
	}
	return b, nil
}

func (s *processSession) dispatch(text string) {
	parts := strings.Split(text, string(EndOfReply))
	for i, part := range parts {
		if part != "" {
			s.emit(Event{Type: EventDelta, Text: strings.ReplaceAll(part, string(LineBreak), "\n")}, false)
		}
		if i < len(parts)-1 {
			s.emit(Event{Type: EventDone}, true)
		}
	}
}

// emit hands ev to the turn in flight. Output arriving between turns is dropped.
func (s *processSession) emit(ev Event, terminal bool) {
	s.mu.Lock()
	turn := s.turn
	if terminal {
		s.turn = nil
	}
	s.mu.Unlock()

	if turn == nil {
		if ev.Type == EventDelta {
			s.logger.Debug("dropping output outside a turn", zap.Int("bytes", len(ev.Text)))
		}
		return
	}

	select {
	case turn <- ev:
	case <-s.closed:
	}
	if terminal {
		close(turn)
	}
}

func (s *processSession) exit(readErr error) {
	waitErr := s.cmd.Wait()

	cause := waitErr
	if cause == nil {
		cause = errors.New("process exited")
	}
	if readErr != nil && !errors.Is(readErr, io.EOF) && waitErr == nil {
		cause = readErr
	}

	s.mu.Lock()
	s.exitErr = cause
	s.mu.Unlock()

	select {
	case <-s.closed:
		s.logger.Debug("local model stopped")
	default:
		s.logger.Warn("local model exited", zap.Error(cause))
	}

	s.emit(Event{Type: EventError, Err: &ProcessError{Op: "read reply", Err: cause}}, true)
	close(s.exited)
}

func (s *processSession) exitCause() error {
	if s.exitErr != nil {
		return s.exitErr
	}
	return errors.New("process exited")
}

// Close kills the process and waits for its output to drain.
func (s *processSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	<-s.exited
	return nil
}
