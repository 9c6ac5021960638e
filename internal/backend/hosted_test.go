package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RichardoC/zik/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(content string, finish string) string {
	finishJSON := "null"
	if finish != "" {
		finishJSON = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"content":%q},"finish_reason":%s}]}`+"\n\n", content, finishJSON)
}

func streamServer(t *testing.T, body func(w http.ResponseWriter, f http.Flusher)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		body(w, f)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hostedConfig(srv *httptest.Server) Config {
	return Config{
		Kind:           KindHosted,
		Model:          "gpt-test",
		BaseURL:        srv.URL + "/v1",
		APIKey:         "sk-test",
		ConnectTimeout: time.Second,
	}
}

func collect(t *testing.T, events <-chan Event) (string, Event) {
	t.Helper()
	var sb strings.Builder
	var last Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return sb.String(), last
			}
			if ev.Type == EventDelta {
				sb.WriteString(ev.Text)
			}
			last = ev
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestHostedStreamsDeltasUntilDone(t *testing.T) {
	srv := streamServer(t, func(w http.ResponseWriter, f http.Flusher) {
		_, _ = fmt.Fprint(w, chunk("Hi", ""))
		f.Flush()
		_, _ = fmt.Fprint(w, chunk(" there", ""))
		_, _ = fmt.Fprint(w, chunk("", "stop"))
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	})

	s, err := Open(context.Background(), hostedConfig(srv), nil)
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Stateful())

	events, err := s.Send(context.Background(), []models.Message{{Role: "user", Content: "Hello"}})
	require.NoError(t, err)
	text, last := collect(t, events)
	assert.Equal(t, "Hi there", text)
	assert.Equal(t, EventDone, last.Type)

	// stateless: the same session serves a resend
	events, err = s.Send(context.Background(), []models.Message{{Role: "user", Content: "Hello"}})
	require.NoError(t, err)
	text, last = collect(t, events)
	assert.Equal(t, "Hi there", text)
	assert.Equal(t, EventDone, last.Type)
}

func TestHostedStreamCutShortIsTransportError(t *testing.T) {
	srv := streamServer(t, func(w http.ResponseWriter, f http.Flusher) {
		_, _ = fmt.Fprint(w, chunk("Par", ""))
	})

	s, err := Open(context.Background(), hostedConfig(srv), nil)
	require.NoError(t, err)
	defer s.Close()

	events, err := s.Send(context.Background(), []models.Message{{Role: "user", Content: "Hello"}})
	require.NoError(t, err)
	text, last := collect(t, events)
	assert.Equal(t, "Par", text)
	require.Equal(t, EventError, last.Type)
	var te *TransportError
	assert.True(t, errors.As(last.Err, &te))
}

func TestHostedRejectedRequest(t *testing.T) {
	srv := streamServer(t, func(w http.ResponseWriter, f http.Flusher) {})
	cfg := hostedConfig(srv)
	cfg.APIKey = "sk-wrong"

	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Send(context.Background(), []models.Message{{Role: "user", Content: "Hello"}})
	var te *TransportError
	assert.True(t, errors.As(err, &te))
}

func TestHostedSilentServerTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	cfg := hostedConfig(srv)
	cfg.ConnectTimeout = 200 * time.Millisecond

	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	began := time.Now()
	_, err = s.Send(context.Background(), []models.Message{{Role: "user", Content: "Hello"}})
	assert.Less(t, time.Since(began), 3*time.Second)
	var te *TransportError
	assert.True(t, errors.As(err, &te))
}

func TestHostedRequiresCredential(t *testing.T) {
	_, err := Open(context.Background(), Config{Kind: KindHosted, Model: "gpt-4"}, nil)
	var ce *ConfigurationError
	assert.True(t, errors.As(err, &ce))
}

func TestUnknownKind(t *testing.T) {
	_, err := Open(context.Background(), Config{Kind: "carrier-pigeon"}, nil)
	var ce *ConfigurationError
	assert.True(t, errors.As(err, &ce))
}

func TestHostedCloseIsIdempotent(t *testing.T) {
	srv := streamServer(t, func(w http.ResponseWriter, f http.Flusher) {})
	s, err := Open(context.Background(), hostedConfig(srv), nil)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	_, err = s.Send(context.Background(), nil)
	assert.Error(t, err)
}
