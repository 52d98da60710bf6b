// Command exam-client takes a timed exam against the sync server from a
// terminal. Answers survive restarts and outages in local storage.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/logger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "exam-client",
		Short:         "Take a timed exam with offline-safe autosave",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	def := config.DefaultClientConfig()
	pf := root.PersistentFlags()
	pf.String("base-url", def.BaseURL, "Sync server base URL")
	pf.String("token", "", "Student access token (or set EXSTEM_TOKEN)")
	pf.StringP("lang", "l", def.Lang, "UI language (en, id)")
	pf.String("log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	pf.String("log-format", def.LogFormat, "Log format (pretty, json)")
	pf.String("storage", def.Storage, "Local storage backend (sqlite, redis, mongo, memory)")
	pf.String("storage-dsn", def.StorageDSN, "Storage location: file path for sqlite, URL for redis and mongo")
	pf.Duration("debounce", def.DebounceDelay, "Quiet period before a typed answer is sent")
	pf.Duration("heartbeat", def.HeartbeatInterval, "Interval between server probes")
	pf.Int("probe-failures", def.ProbeFailureThreshold, "Failed probes before the server counts as unreachable")
	pf.Duration("timeout", def.RequestTimeout, "HTTP request timeout")
	pf.Int("flush-concurrency", def.FlushConcurrency, "Queued answers sent in parallel during a flush")

	root.AddCommand(takeCmd(), queueCmd(), flushCmd())
	return root
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())
	_ = v.BindPFlags(cmd.InheritedFlags())

	v.SetEnvPrefix("EXSTEM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("exstem-client")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/exstem")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "error reading config file: %v\n", err)
		}
	}
	return v
}

// clientConfig builds the client configuration from flags, environment and
// the config file, in viper's precedence order.
func clientConfig(v *viper.Viper) config.ClientConfig {
	cfg := config.DefaultClientConfig()
	cfg.BaseURL = v.GetString("base-url")
	cfg.Token = v.GetString("token")
	cfg.Lang = v.GetString("lang")
	cfg.LogLevel = v.GetString("log-level")
	cfg.LogFormat = v.GetString("log-format")
	cfg.Storage = v.GetString("storage")
	cfg.StorageDSN = v.GetString("storage-dsn")
	cfg.DebounceDelay = v.GetDuration("debounce")
	cfg.HeartbeatInterval = v.GetDuration("heartbeat")
	cfg.ProbeFailureThreshold = v.GetInt("probe-failures")
	cfg.RequestTimeout = v.GetDuration("timeout")
	cfg.FlushConcurrency = v.GetInt("flush-concurrency")
	return cfg
}

// setup resolves configuration and the stderr logger for a command.
func setup(cmd *cobra.Command) (*viper.Viper, config.ClientConfig, zerolog.Logger) {
	v := viperForCmd(cmd)
	cfg := clientConfig(v)
	log := logger.SetupWriter(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if used := v.ConfigFileUsed(); used != "" {
		log.Debug().Str("path", used).Msg("Loaded config file")
	}
	return v, cfg, log
}
