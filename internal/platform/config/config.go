package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Keys      KeysConfig      `mapstructure:"keys"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type KeysConfig struct {
	// HashSalt salts the one-way hash of API key secrets. Rotating it
	// invalidates every issued key.
	HashSalt string `mapstructure:"hash_salt"`
}

type RateLimitConfig struct {
	// DefaultPerMinute applies to API keys created without an explicit limit.
	DefaultPerMinute int `mapstructure:"default_per_minute"`
}

type EngineConfig struct {
	WorkerCount     int           `mapstructure:"worker_count"`
	QueueSize       int           `mapstructure:"queue_size"`
	NodeTimeout     time.Duration `mapstructure:"node_timeout"`
	StaleRunAge     time.Duration `mapstructure:"stale_run_age"`
	EmbeddedWorkers int           `mapstructure:"embedded_workers"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.max_connections", 10)
	viper.SetDefault("rate_limit.default_per_minute", 120)
	viper.SetDefault("engine.worker_count", 4)
	viper.SetDefault("engine.queue_size", 256)
	viper.SetDefault("engine.node_timeout", 60*time.Second)
	viper.SetDefault("engine.stale_run_age", 30*time.Minute)

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
