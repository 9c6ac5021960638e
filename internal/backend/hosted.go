package backend

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/RichardoC/zik/internal/models"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// hostedSession talks to an OpenAI-compatible chat completion endpoint.
// Each Send is one streaming request; nothing is kept between requests, so a
// regenerate is simply another Send with the same messages.
type hostedSession struct {
	client *openai.Client
	model  string
	logger *zap.Logger

	mu     sync.Mutex
	seq    int
	active int
	cancel context.CancelFunc
	closed bool
}

var errMissingEndMarker = errors.New("stream ended before the end-of-stream marker")

func validateHosted(cfg Config) error {
	if cfg.APIKey == "" {
		return configErrorf("no API key configured for hosted model %q", cfg.Model)
	}
	if cfg.Model == "" {
		return configErrorf("hosted backend needs a model name")
	}
	return nil
}

func openHosted(cfg Config, logger *zap.Logger) (*hostedSession, error) {
	timeout := cfg.connectTimeout()
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	// Connection setup and the wait for response headers are bounded. The body
	// is not, so a long reply is never cut off.
	clientConfig.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
		},
	}

	return &hostedSession{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		logger: logger.With(zap.String("backend", string(KindHosted)), zap.String("model", cfg.Model)),
	}, nil
}

func (s *hostedSession) Kind() Kind     { return KindHosted }
func (s *hostedSession) Stateful() bool { return false }

func (s *hostedSession) Send(ctx context.Context, messages []models.Message) (<-chan Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &TransportError{Op: "send", Err: errors.New("session closed")}
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return nil, &TransportError{Op: "send", Err: errors.New("a reply is already streaming")}
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.seq++
	id := s.seq
	s.active = id
	s.cancel = cancel
	s.mu.Unlock()

	req := openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}

	s.logger.Debug("opening completion stream", zap.Int("messages", len(messages)))
	stream, err := s.client.CreateChatCompletionStream(streamCtx, req)
	if err != nil {
		s.release(id)
		cancel()
		return nil, &TransportError{Op: "open stream", Err: err}
	}

	events := make(chan Event, 16)
	go s.read(streamCtx, cancel, id, stream, events)
	return events, nil
}

func (s *hostedSession) read(ctx context.Context, cancel context.CancelFunc, id int, stream *openai.ChatCompletionStream, events chan<- Event) {
	defer close(events)
	defer cancel()
	defer stream.Close()

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finished := false
	for {
		response, err := stream.Recv()
		if err != nil {
			// free the slot before the terminal so the next Send is never refused
			s.release(id)
		}
		if errors.Is(err, io.EOF) {
			if !finished {
				emit(Event{Type: EventError, Err: &TransportError{Op: "read stream", Err: errMissingEndMarker}})
				return
			}
			emit(Event{Type: EventDone})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			emit(Event{Type: EventError, Err: &TransportError{Op: "read stream", Err: err}})
			return
		}

		for _, choice := range response.Choices {
			if choice.Delta.Content != "" {
				if !emit(Event{Type: EventDelta, Text: choice.Delta.Content}) {
					return
				}
			}
			if choice.FinishReason != "" {
				finished = true
			}
		}
	}
}

func (s *hostedSession) release(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == id {
		s.active = 0
		s.cancel = nil
	}
}

func (s *hostedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.active = 0
	}
	return nil
}

func toOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	ret := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		ret = append(ret, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return ret
}
