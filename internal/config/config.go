package config

import (
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
)

// Config carries every runtime knob the server reads from the environment.
type Config struct {
	Addr        string `env:"ADDR,default=:8080"`
	DatabaseDSN string `env:"DB_DSN,required=true"`
	RedisAddr   string `env:"REDIS_ADDR,default=localhost:6379"`
	JWTSecret   string `env:"JWT_SECRET,required=true"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	// Send throttling (fixed window, per user).
	SendRateLimit  int           `env:"SEND_RATE_LIMIT,default=30"`
	SendRateWindow time.Duration `env:"SEND_RATE_WINDOW,default=60s"`

	// Recent-message cache.
	MessageCacheSize int           `env:"MESSAGE_CACHE_SIZE,default=50"`
	MessageCacheTTL  time.Duration `env:"MESSAGE_CACHE_TTL,default=1h"`

	// Typing indicators expire on their own if the client never clears them.
	TypingTTL time.Duration `env:"TYPING_TTL,default=10s"`

	// Safety net for presence entries leaked by a killed process.
	ConnectionTTL time.Duration `env:"CONNECTION_TTL,default=24h"`
}

func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.SendRateLimit <= 0 {
		return nil, fmt.Errorf("SEND_RATE_LIMIT must be positive, got %d", cfg.SendRateLimit)
	}
	// The limiter counts in whole-second windows; anything shorter truncates
	// to a zero-length window.
	if cfg.SendRateWindow < time.Second {
		return nil, fmt.Errorf("SEND_RATE_WINDOW must be at least 1s, got %s", cfg.SendRateWindow)
	}
	if cfg.MessageCacheSize <= 0 {
		return nil, fmt.Errorf("MESSAGE_CACHE_SIZE must be positive, got %d", cfg.MessageCacheSize)
	}
	return &cfg, nil
}
