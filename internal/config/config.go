package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/zik/internal/backend"
	"github.com/RichardoC/zik/internal/db/dynamo"
	"github.com/RichardoC/zik/internal/logging"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "chat"

type Config struct {
	Addr   string `mapstructure:"addr"`
	WebDir string `mapstructure:"web-dir"`

	Store  string        `mapstructure:"store"` // sqlite or dynamodb
	DBPath string        `mapstructure:"db-path"`
	Dynamo dynamo.Config `mapstructure:"dynamodb"`

	OpenAI OpenAIConfig `mapstructure:"openai"`
	Local  LocalConfig  `mapstructure:"local"`

	// ConnectTimeout bounds connecting to a hosted backend and spawning the
	// local model process.
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
	TitleModel     string        `mapstructure:"title-model"`
	DefaultModel   string        `mapstructure:"default-model"`
	Models         []Model       `mapstructure:"models"`

	Log logging.Config `mapstructure:"log"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api-key"`
	BaseURL string `mapstructure:"base-url"`
}

type LocalConfig struct {
	Executable string   `mapstructure:"executable"`
	ModelPath  string   `mapstructure:"model-path"`
	Args       []string `mapstructure:"args"`
}

// Model is one entry of the model picker and the backend that serves it.
type Model struct {
	Name string       `mapstructure:"name" json:"name"`
	Kind backend.Kind `mapstructure:"kind" json:"kind"`
}

var DefaultModels = []Model{
	{Name: "gpt-3.5-turbo", Kind: backend.KindHosted},
	{Name: "gpt-4", Kind: backend.KindHosted},
	{Name: "gpt4all", Kind: backend.KindSubprocess},
}

// SetDefaults registers every key so that CHAT_* environment variables are
// seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8100")
	v.SetDefault("web-dir", "web")
	v.SetDefault("store", "sqlite")
	v.SetDefault("db-path", "zik.db")
	v.SetDefault("dynamodb.table", "Chats")
	v.SetDefault("dynamodb.region", "us-east-1")
	v.SetDefault("dynamodb.endpoint", "")
	v.SetDefault("dynamodb.access-key-id", "")
	v.SetDefault("dynamodb.secret-access-key", "")
	v.SetDefault("openai.api-key", "")
	v.SetDefault("openai.base-url", "")
	v.SetDefault("local.executable", "./bin/chat")
	v.SetDefault("local.model-path", "./bin/gpt4all-lora-quantized.bin")
	v.SetDefault("connect-timeout", backend.DefaultConnectTimeout)
	v.SetDefault("title-model", "gpt-3.5-turbo")
	v.SetDefault("default-model", "gpt-3.5-turbo")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.with-caller", false)
}

// BindEnv makes CHAT_OPENAI_API_KEY override openai.api-key and so on.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case "sqlite", "dynamodb":
	default:
		return errors.Errorf("unknown store %q", c.Store)
	}
	for _, m := range c.Models {
		if m.Kind != backend.KindHosted && m.Kind != backend.KindSubprocess {
			return errors.Errorf("model %q has unknown backend kind %q", m.Name, m.Kind)
		}
	}
	if !c.HasModel(c.DefaultModel) {
		return errors.Errorf("default model %q is not in the model list", c.DefaultModel)
	}
	return nil
}

func (c *Config) HasModel(name string) bool {
	for _, m := range c.Models {
		if m.Name == name {
			return true
		}
	}
	return false
}

// BackendFor resolves the session configuration for a model name.
func (c *Config) BackendFor(model string) (backend.Config, error) {
	for _, m := range c.Models {
		if m.Name != model {
			continue
		}
		cfg := backend.Config{
			Kind:           m.Kind,
			Model:          m.Name,
			ConnectTimeout: c.ConnectTimeout,
		}
		switch m.Kind {
		case backend.KindHosted:
			cfg.BaseURL = c.OpenAI.BaseURL
			cfg.APIKey = c.OpenAI.APIKey
		case backend.KindSubprocess:
			cfg.Executable = c.Local.Executable
			cfg.ModelPath = c.Local.ModelPath
			cfg.Args = c.Local.Args
		}
		return cfg, nil
	}
	return backend.Config{}, &backend.ConfigurationError{Reason: fmt.Sprintf("unknown model %q", model)}
}
