package midjourney

import (
	"errors"

	"github.com/caarlos0/env/v11"
)

// Config is loaded from the environment. Only the tokens and channel
// are mandatory; every integration is optional and skipped when its
// address is empty.
type Config struct {
	UserToken string `env:"DISCORD_USER_TOKEN"`
	BotToken  string `env:"DISCORD_BOT_TOKEN"`
	ChannelID string `env:"DISCORD_CHANNEL_ID"`
	GuildID   string `env:"DISCORD_GUILD_ID"`

	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	StorageDir string `env:"STORAGE_DIR" envDefault:"midjourney_results"`

	RedisAddress  string `env:"REDIS_ADDRESS"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"mj"`

	NATSAddress       string `env:"NATS_ADDRESS"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"mj"`

	MetricsAddr string `env:"METRICS_ADDR"`

	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Bucket    string `env:"S3_BUCKET" envDefault:"midjourney-artifacts"`
	S3UseSSL    bool   `env:"S3_USE_SSL" envDefault:"false"`
}

// LoadConfig parses the environment and validates the required fields.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields no run can proceed without.
func (c *Config) Validate() error {
	if c.UserToken == "" {
		return errors.New("DISCORD_USER_TOKEN is required")
	}
	if c.BotToken == "" {
		return errors.New("DISCORD_BOT_TOKEN is required")
	}
	if c.ChannelID == "" {
		return errors.New("DISCORD_CHANNEL_ID is required")
	}
	return nil
}
