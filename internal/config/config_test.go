package config

import (
	"testing"
	"time"

	"github.com/RichardoC/zik/internal/backend"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	return v
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newViper())
	require.NoError(t, err)

	assert.Equal(t, ":8100", cfg.Addr)
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, 4*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, DefaultModels, cfg.Models)
	assert.Equal(t, "Chats", cfg.Dynamo.Table)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CHAT_OPENAI_API_KEY", "sk-env")
	t.Setenv("CHAT_STORE", "dynamodb")
	t.Setenv("CHAT_DYNAMODB_ENDPOINT", "http://localhost:8000")
	t.Setenv("CHAT_CONNECT_TIMEOUT", "2s")

	cfg, err := Load(newViper())
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.OpenAI.APIKey)
	assert.Equal(t, "dynamodb", cfg.Store)
	assert.Equal(t, "http://localhost:8000", cfg.Dynamo.Endpoint)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	v := newViper()
	v.Set("store", "postgres")
	_, err := Load(v)
	assert.Error(t, err)
}

func TestBackendFor(t *testing.T) {
	v := newViper()
	v.Set("openai.api-key", "sk-test")
	v.Set("local.model-path", "/models/gpt4all.bin")
	cfg, err := Load(v)
	require.NoError(t, err)

	hosted, err := cfg.BackendFor("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, backend.KindHosted, hosted.Kind)
	assert.Equal(t, "gpt-4", hosted.Model)
	assert.Equal(t, "sk-test", hosted.APIKey)

	local, err := cfg.BackendFor("gpt4all")
	require.NoError(t, err)
	assert.Equal(t, backend.KindSubprocess, local.Kind)
	assert.Equal(t, "/models/gpt4all.bin", local.ModelPath)
	assert.Empty(t, local.Args)
	assert.Equal(t, []string{"--model", "/models/gpt4all.bin", "--repeat_penalty", "2.0", "--top_k", "40"}, local.CommandArgs())

	_, err = cfg.BackendFor("llama")
	var ce *backend.ConfigurationError
	assert.True(t, errors.As(err, &ce))
}
