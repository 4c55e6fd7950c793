package targets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/piwi3910/nebulaguard/internal/events"
)

// RedisConfig configures a Redis target.
type RedisConfig struct {
	events.TargetConfig `yaml:",inline"`

	// Address is host:port of the server
	Address  string `json:"address" yaml:"address"`
	Password string `json:"-" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`

	// Channel is used for PUBLISH; Stream, when set, switches to XADD
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
	Stream  string `json:"stream,omitempty" yaml:"stream,omitempty"`

	// MaxLen trims the stream approximately to this length
	MaxLen int64 `json:"max_len,omitempty" yaml:"max_len,omitempty"`

	PoolSize    int           `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`
	DialTimeout time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
}

// DefaultRedisConfig returns a default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		TargetConfig: events.TargetConfig{
			Name:    "redis",
			Type:    "redis",
			Enabled: true,
		},
		Address:     "localhost:6379",
		Channel:     "nebulaguard:violations",
		PoolSize:    10,
		DialTimeout: 5 * time.Second,
	}
}

// RedisTarget publishes events to a pub/sub channel or a stream.
type RedisTarget struct {
	client *redis.Client
	config RedisConfig
	mu     sync.RWMutex
	closed bool
}

// NewRedisTarget creates a Redis target. The connection is established
// lazily on first use.
func NewRedisTarget(config RedisConfig) (*RedisTarget, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("%w: address is required", events.ErrInvalidConfig)
	}

	if config.Channel == "" && config.Stream == "" {
		return nil, fmt.Errorf("%w: channel or stream is required", events.ErrInvalidConfig)
	}

	if config.Name == "" {
		config.Name = "redis"
	}

	client := redis.NewClient(&redis.Options{
		Addr:        config.Address,
		Password:    config.Password,
		DB:          config.DB,
		PoolSize:    config.PoolSize,
		DialTimeout: config.DialTimeout,
	})

	return &RedisTarget{config: config, client: client}, nil
}

// Name returns the target name.
func (t *RedisTarget) Name() string {
	return t.config.Name
}

// Type returns the target type.
func (t *RedisTarget) Type() string {
	return "redis"
}

// Publish sends an event to Redis.
func (t *RedisTarget) Publish(ctx context.Context, event *events.Event) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return events.ErrTargetClosed
	}

	body, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	if t.config.Stream != "" {
		args := &redis.XAddArgs{
			Stream: t.config.Stream,
			Values: map[string]any{
				"event_id": event.EventID,
				"event":    string(body),
			},
		}

		if t.config.MaxLen > 0 {
			args.MaxLen = t.config.MaxLen
			args.Approx = true
		}

		if err := t.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("%w: %v", events.ErrPublishFailed, err)
		}

		return nil
	}

	if err := t.client.Publish(ctx, t.config.Channel, body).Err(); err != nil {
		return fmt.Errorf("%w: %v", events.ErrPublishFailed, err)
	}

	return nil
}

// IsHealthy pings the server.
func (t *RedisTarget) IsHealthy(ctx context.Context) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return false
	}

	return t.client.Ping(ctx).Err() == nil
}

// Close closes the client.
func (t *RedisTarget) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	return t.client.Close()
}

var _ events.Target = (*RedisTarget)(nil)

func init() {
	events.RegisterTargetFactory("redis", func(config map[string]any) (events.Target, error) {
		cfg := DefaultRedisConfig()

		if name, ok := config["name"].(string); ok {
			cfg.Name = name
		}

		if address, ok := config["address"].(string); ok {
			cfg.Address = address
		}

		if password, ok := config["password"].(string); ok {
			cfg.Password = password
		}

		if db, ok := config["db"].(int); ok {
			cfg.DB = db
		}

		if channel, ok := config["channel"].(string); ok && channel != "" {
			cfg.Channel = channel
		}

		if stream, ok := config["stream"].(string); ok {
			cfg.Stream = stream
		}

		return NewRedisTarget(cfg)
	})
}
