package llm

import (
	"context"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

const (
	Untitled      = "Untitled"
	fallbackWords = 5
	titleTimeout  = 10 * time.Second
)

// Service names chats from their first message.
type Service struct {
	llm    llms.Model
	logger *zap.Logger
}

// New returns a Service backed by an OpenAI-compatible endpoint. Without a
// token every title comes from the fallback.
func New(baseURL, token, model string, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if token == "" {
		return &Service{logger: logger}, nil
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Service{llm: llm, logger: logger}, nil
}

func NewWithModel(llm llms.Model, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{llm: llm, logger: logger}
}

// Title asks the model for a short title and falls back to the first words
// of content when that fails.
func (s *Service) Title(ctx context.Context, content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return Untitled
	}
	if s.llm == nil {
		return FallbackTitle(content)
	}

	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	prompt := content + "\n\nGive a short title to the text above:\""
	completion, err := llms.GenerateFromSinglePrompt(ctx, s.llm, prompt,
		llms.WithMaxTokens(10),
		llms.WithTemperature(0.7),
		llms.WithStopWords([]string{`"`}),
	)
	if err != nil {
		s.logger.Warn("failed to generate title", zap.Error(err))
		return FallbackTitle(content)
	}

	title := strings.Trim(strings.TrimSpace(completion), `"`)
	if title == "" {
		s.logger.Warn("model returned an empty title")
		return FallbackTitle(content)
	}
	return title
}

func FallbackTitle(content string) string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return Untitled
	}
	if len(words) > fallbackWords {
		words = words[:fallbackWords]
	}
	return strings.Join(words, " ")
}
