package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DBFile         string        `env:"TALKTIME_DB" envDefault:"talktime.db"`
	APIAddr        string        `env:"API_ADDR" envDefault:":8080"`
	BaseURL        string        `env:"BASE_URL" envDefault:"http://localhost:8080"`
	UploadsPath    string        `env:"UPLOADS_PATH" envDefault:"uploads"`
	PublicChatName string        `env:"PUBLIC_CHAT_NAME" envDefault:"Global Chat"`
	IdentitySecret string        `env:"IDENTITY_SECRET"`
	TokenCacheTTL  time.Duration `env:"TOKEN_CACHE_TTL" envDefault:"5m"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.IdentitySecret == "" {
		return fmt.Errorf("IDENTITY_SECRET is required")
	}

	if c.TokenCacheTTL <= 0 {
		return fmt.Errorf("TOKEN_CACHE_TTL must be greater than 0")
	}

	return nil
}
