package main

import (
	"os"
	"strings"

	"github.com/RichardoC/zik/internal/config"
	"github.com/RichardoC/zik/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "zik",
	Short:         "zik serves a branching chat UI over hosted and local language models",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(cmd); err != nil {
			return err
		}
		var err error
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return err
		}
		logger.Debug("Loaded configuration", zap.String("config", viper.ConfigFileUsed()))
		return nil
	},
}

// flagKeys maps flags onto nested config keys.
var flagKeys = map[string]string{
	"addr":            "addr",
	"web-dir":         "web-dir",
	"store":           "store",
	"db-path":         "db-path",
	"openai-api-key":  "openai.api-key",
	"openai-base-url": "openai.base-url",
	"local-exe":       "local.executable",
	"local-model":     "local.model-path",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"log-file":        "log.file",
	"with-caller":     "log.with-caller",
}

func initConfig(cmd *cobra.Command) error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("zik")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.zik")
		v.AddConfigPath("/etc/zik")
		if xdgConfigPath, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(xdgConfigPath + "/zik")
		}
	}

	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// no config file, flags and environment only
	} else if err != nil {
		return err
	}

	config.BindEnv(v)
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	cfg, err = config.Load(v)
	return err
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to config file (default ./zik.yaml or ~/.zik/zik.yaml)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json, text)")
	flags.String("log-file", "", "Also write logs to this file, rotated")
	flags.Bool("with-caller", false, "Log caller")
	flags.String("openai-api-key", "", "OpenAI API key")
	flags.String("openai-base-url", "", "OpenAI-compatible API base URL")

	rootCmd.AddCommand(serveCmd, titleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
		} else {
			os.Stderr.WriteString(strings.TrimSpace(err.Error()) + "\n")
		}
		os.Exit(1)
	}
}
