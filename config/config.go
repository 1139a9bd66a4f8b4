// Package config loads server settings from flags, environment and an
// optional chatrelay.toml.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/pockode/chatrelay/message"
	"github.com/pockode/chatrelay/session"
	"github.com/pockode/chatrelay/store"
)

const (
	EnvPrefix  = "CHATRELAY"
	configName = "chatrelay"
	configType = "toml"
)

// Keys shared with cobra flag bindings.
const (
	KeyConfig         = "config"
	KeyPort           = "port"
	KeyEnv            = "env"
	KeyDataDir        = "data_dir"
	KeyStore          = "store"
	KeyDatabaseURL    = "database_url"
	KeySQLitePath     = "sqlite_path"
	KeyRedisURL       = "redis_url"
	KeyUsersFile      = "users_file"
	KeyMaxBodyLength  = "max_body_length"
	KeyOutboxSize     = "outbox_size"
	KeyPersistTimeout = "persist_timeout"
	KeyLogLevel       = "log_level"
	KeyLogFormat      = "log_format"
	KeyLogFile        = "log_file"
	KeyAllowedOrigins = "allowed_origins"
)

type Config struct {
	Port           int
	Env            string
	DataDir        string
	Store          store.Kind
	DatabaseURL    string
	SQLitePath     string
	RedisURL       string
	UsersFile      string
	MaxBodyLength  int
	OutboxSize     int
	PersistTimeout time.Duration
	LogLevel       string
	LogFormat      string
	LogFile        string
	AllowedOrigins []string
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyPort, 8080)
	v.SetDefault(KeyEnv, "production")
	v.SetDefault(KeyDataDir, "data")
	v.SetDefault(KeyStore, string(store.KindFile))
	v.SetDefault(KeyMaxBodyLength, message.DefaultMaxBodyLength)
	v.SetDefault(KeyOutboxSize, session.DefaultOutboxSize)
	v.SetDefault(KeyPersistTimeout, 10*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only covers keys viper already knows about.
	for _, key := range []string{KeyConfig, KeyDatabaseURL, KeySQLitePath, KeyRedisURL, KeyUsersFile, KeyLogFile, KeyAllowedOrigins} {
		v.BindEnv(key)
	}
	return v
}

// Load reads .env, then the config file if any, and resolves derived paths.
func Load(v *viper.Viper) (*Config, error) {
	_ = godotenv.Load()

	if file := v.GetString(KeyConfig); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString(KeyDataDir))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Port:           v.GetInt(KeyPort),
		Env:            v.GetString(KeyEnv),
		DataDir:        v.GetString(KeyDataDir),
		Store:          store.Kind(strings.ToLower(v.GetString(KeyStore))),
		DatabaseURL:    v.GetString(KeyDatabaseURL),
		SQLitePath:     v.GetString(KeySQLitePath),
		RedisURL:       v.GetString(KeyRedisURL),
		UsersFile:      v.GetString(KeyUsersFile),
		MaxBodyLength:  v.GetInt(KeyMaxBodyLength),
		OutboxSize:     v.GetInt(KeyOutboxSize),
		PersistTimeout: v.GetDuration(KeyPersistTimeout),
		LogLevel:       v.GetString(KeyLogLevel),
		LogFormat:      v.GetString(KeyLogFormat),
		LogFile:        v.GetString(KeyLogFile),
		AllowedOrigins: splitList(v.GetStringSlice(KeyAllowedOrigins)),
	}

	if cfg.UsersFile == "" {
		cfg.UsersFile = filepath.Join(cfg.DataDir, "users.toml")
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join(cfg.DataDir, "chatrelay.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.Env {
	case "development", "production":
	default:
		return fmt.Errorf("invalid env %q (want development or production)", c.Env)
	}
	switch c.Store {
	case store.KindFile, store.KindSQLite:
	case store.KindPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.MaxBodyLength <= 0 {
		return fmt.Errorf("max_body_length must be positive, got %d", c.MaxBodyLength)
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("outbox_size must be positive, got %d", c.OutboxSize)
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("persist_timeout must be positive, got %s", c.PersistTimeout)
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Kind:        c.Store,
		DataDir:     c.DataDir,
		SQLitePath:  c.SQLitePath,
		DatabaseURL: c.DatabaseURL,
	}
}

// splitList accepts both list values and comma-separated strings.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
