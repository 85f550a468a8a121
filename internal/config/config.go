package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
// Secrets (private key, Telegram token, Postgres DSN) are expected from the
// environment: KEEPER_PRIVATE_KEY, KEEPER_TELEGRAM_TOKEN, KEEPER_PG_DSN.
type Config struct {
	RPCURL     string
	PrivateKey string

	Pool            string
	PositionManager string
	Farm            string
	Router          string
	BaseToken       string

	Mode           int
	PollInterval   time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	ReceiptTimeout time.Duration
	Slippage       string

	StatePath   string
	JournalPath string
	PGDSN       string

	TelegramToken  string
	TelegramChatID int64

	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", 3)
	v.SetDefault("poll-interval", 15*time.Second)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("receipt-timeout", 2*time.Minute)
	v.SetDefault("slippage", "0.01")
	v.SetDefault("state-path", "./data/keeper_state.json")
	v.SetDefault("journal-path", "./data/rebalances.jsonl")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:          v.GetString("rpc"),
		PrivateKey:      v.GetString("private-key"),
		Pool:            v.GetString("pool"),
		PositionManager: v.GetString("position-manager"),
		Farm:            v.GetString("farm"),
		Router:          v.GetString("router"),
		BaseToken:       v.GetString("base-token"),
		Mode:            v.GetInt("mode"),
		PollInterval:    v.GetDuration("poll-interval"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		ReceiptTimeout:  v.GetDuration("receipt-timeout"),
		Slippage:        v.GetString("slippage"),
		StatePath:       v.GetString("state-path"),
		JournalPath:     v.GetString("journal-path"),
		PGDSN:           v.GetString("pg-dsn"),
		TelegramToken:   v.GetString("telegram-token"),
		TelegramChatID:  v.GetInt64("telegram-chat-id"),
		LogLevel:        v.GetString("log-level"),
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Mode != 2 && c.Mode != 3 {
		return fmt.Errorf("mode must be 2 or 3, got %d", c.Mode)
	}
	return nil
}
