// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultPGHost           = "127.0.0.1"
	DefaultPGPort           = 5432
	DefaultPGUser           = "postgres"
	DefaultPGDatabase       = "convozap"
	DefaultPGSSLMode        = "disable"
	DefaultQdrantURL        = "http://127.0.0.1:6334"
	DefaultQdrantCollection = "messages"
	DefaultEmbeddingURL     = "https://api.openai.com/v1"
	DefaultEmbeddingModel   = "text-embedding-3-small"
	DefaultEmbeddingDims    = 1536
	DefaultTokenBudget      = 3500
	DefaultRelevantLimit    = 5
)

type Config struct {
	Log          LogConfig          `toml:"log"`
	Server       ServerConfig       `toml:"server"`
	Postgres     PostgresConfig     `toml:"postgres"`
	Qdrant       QdrantConfig       `toml:"qdrant"`
	Completion   CompletionConfig   `toml:"completion"`
	Embedding    EmbeddingConfig    `toml:"embedding"`
	Conversation ConversationConfig `toml:"conversation"`
	WhatsApp     WhatsAppConfig     `toml:"whatsapp"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type PostgresConfig struct {
	Host     string `toml:"host" validate:"required"`
	Port     int    `toml:"port" validate:"required"`
	User     string `toml:"user" validate:"required"`
	Password string `toml:"password"`
	Database string `toml:"database" validate:"required"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders the pool connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

type QdrantConfig struct {
	BaseURL        string `toml:"base_url" validate:"required,url"`
	APIKey         string `toml:"api_key"`
	Collection     string `toml:"collection" validate:"required"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// CompletionConfig points at the hosted OpenAI-compatible chat endpoint.
type CompletionConfig struct {
	BaseURL        string `toml:"base_url" validate:"required,url"`
	JWT            string `toml:"jwt"`
	Model          string `toml:"model" validate:"required"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type EmbeddingConfig struct {
	BaseURL        string `toml:"base_url" validate:"required,url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model" validate:"required"`
	Dimensions     int    `toml:"dimensions" validate:"required,gt=0"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ConversationConfig tunes the context assembler.
type ConversationConfig struct {
	TokenBudget   int `toml:"token_budget" validate:"gt=0"`
	RelevantLimit int `toml:"relevant_limit" validate:"gt=0"`
}

// WhatsAppConfig holds the Evolution-style gateway connection parameters.
// The block is required only when the channel is enabled.
type WhatsAppConfig struct {
	Enabled  bool   `toml:"enabled"`
	BaseURL  string `toml:"base_url" validate:"required_if=Enabled true,omitempty,url"`
	APIKey   string `toml:"api_key" validate:"required_if=Enabled true"`
	Instance string `toml:"instance" validate:"required_if=Enabled true"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Qdrant: QdrantConfig{
			BaseURL:    DefaultQdrantURL,
			Collection: DefaultQdrantCollection,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    DefaultEmbeddingURL,
			Model:      DefaultEmbeddingModel,
			Dimensions: DefaultEmbeddingDims,
		},
		Conversation: ConversationConfig{
			TokenBudget:   DefaultTokenBudget,
			RelevantLimit: DefaultRelevantLimit,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the required connection parameters. A failure here is
// fatal at startup; nothing else in the process re-validates.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
