// Package config loads the server configuration: a YAML file as the
// base, with WSP_* environment variables (optionally from a .env file)
// overriding individual values for deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Push        PushConfig        `yaml:"push"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Turn        TurnConfig        `yaml:"turn"`
	Limits      LimitsConfig      `yaml:"limits"`
}

type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	NodeName        string `yaml:"node_name"`
	LogLevel        string `yaml:"log_level"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_seconds"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type PushConfig struct {
	ProviderURL string `yaml:"provider_url"`
	APIKey      string `yaml:"api_key"`
	Workers     int    `yaml:"workers"`
}

type AttachmentsConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
}

type TurnConfig struct {
	URLs       []string `yaml:"urls"`
	Secret     string   `yaml:"secret"`
	TTLSeconds int      `yaml:"ttl_seconds"`
}

type LimitsConfig struct {
	SessionTTLHours int `yaml:"session_ttl_hours"`
	PendingQueueCap int `yaml:"pending_queue_cap"`
	MessagesPerMin  int `yaml:"messages_per_minute"`
	RegistersPerMin int `yaml:"registers_per_minute"`
}

// Default returns a config suitable for local development: everything
// in-process, no external adapters.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			NodeName:        hostnameOr("node-1"),
			LogLevel:        "info",
			ShutdownTimeout: 20,
		},
		Turn: TurnConfig{TTLSeconds: 3600},
		Push: PushConfig{Workers: 4},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the
// file is absent), then applies environment overrides.
func Load(path string) (*Config, error) {
	// .env is a developer convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.ListenAddr, "WSP_LISTEN_ADDR")
	setString(&c.Server.NodeName, "WSP_NODE_NAME")
	setString(&c.Server.LogLevel, "WSP_LOG_LEVEL")
	setString(&c.Redis.Addr, "WSP_REDIS_ADDR")
	setString(&c.Redis.Password, "WSP_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "WSP_REDIS_DB")
	setString(&c.Postgres.DSN, "WSP_POSTGRES_DSN")
	setString(&c.Push.ProviderURL, "WSP_PUSH_PROVIDER_URL")
	setString(&c.Push.APIKey, "WSP_PUSH_API_KEY")
	setInt(&c.Push.Workers, "WSP_PUSH_WORKERS")
	setString(&c.Attachments.Bucket, "WSP_S3_BUCKET")
	setString(&c.Attachments.Region, "WSP_S3_REGION")
	setString(&c.Turn.Secret, "WSP_TURN_SECRET")
	setInt(&c.Turn.TTLSeconds, "WSP_TURN_TTL_SECONDS")
	if v := os.Getenv("WSP_TURN_URLS"); v != "" {
		c.Turn.URLs = splitAndTrim(v)
	}
	setInt(&c.Limits.SessionTTLHours, "WSP_SESSION_TTL_HOURS")
	setInt(&c.Limits.PendingQueueCap, "WSP_PENDING_QUEUE_CAP")
}

// SessionTTL returns the configured session lifetime, or zero to let
// the session store use its default.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Limits.SessionTTLHours) * time.Hour
}

func (c *Config) TurnTTL() time.Duration {
	return time.Duration(c.Turn.TTLSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
