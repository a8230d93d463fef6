package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/nadzzz/intercom/internal/message"
)

// HTTPRemote talks to the preference endpoints of the backend:
// GET and POST {base}/voice/settings. Responses may be wrapped in the
// backend's {"status","message","data"} envelope.
type HTTPRemote struct {
	url    string
	client *http.Client
}

// NewHTTPRemote creates an HTTPRemote for baseURL.
func NewHTTPRemote(baseURL string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRemote{
		url:    strings.TrimRight(baseURL, "/") + "/voice/settings",
		client: &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (r *HTTPRemote) Fetch(ctx context.Context) (message.Preferences, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return message.Preferences{}, err
	}
	req.Header.Set("Accept", "application/json")

	body, err := r.do(req)
	if err != nil {
		return message.Preferences{}, err
	}

	data, err := unwrap(body)
	if err != nil {
		return message.Preferences{}, err
	}
	prefs := message.DefaultPreferences()
	if err := json.Unmarshal(data, &prefs); err != nil {
		return message.Preferences{}, fmt.Errorf("decoding preferences: %w", err)
	}
	return prefs, nil
}

func (r *HTTPRemote) Save(ctx context.Context, prefs message.Preferences) error {
	payload, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := r.do(req)
	if err != nil {
		return err
	}
	_, err = unwrap(body)
	return err
}

func (r *HTTPRemote) do(req *http.Request) ([]byte, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, r.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: status %d", req.Method, r.url, resp.StatusCode)
	}
	return body, nil
}

// unwrap returns the envelope's data, or body itself when it is not wrapped.
func unwrap(body []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Status == "" {
		return body, nil
	}
	if !strings.EqualFold(env.Status, "success") {
		return nil, fmt.Errorf("preference service: %s", env.Message)
	}
	return env.Data, nil
}

// RedisRemote keeps the preference record as JSON under a single key.
type RedisRemote struct {
	rdb *redis.Client
	key string
}

// RedisConfig configures RedisRemote.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// NewRedisRemote connects to Redis and verifies the connection.
func NewRedisRemote(ctx context.Context, cfg RedisConfig) (*RedisRemote, error) {
	if cfg.Key == "" {
		cfg.Key = "intercom:" + CacheKey
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisRemote{rdb: rdb, key: cfg.Key}, nil
}

func (r *RedisRemote) Fetch(ctx context.Context) (message.Preferences, error) {
	raw, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return message.Preferences{}, fmt.Errorf("no preferences stored under %q", r.key)
	}
	if err != nil {
		return message.Preferences{}, fmt.Errorf("redis get: %w", err)
	}
	prefs := message.DefaultPreferences()
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return message.Preferences{}, fmt.Errorf("decoding preferences: %w", err)
	}
	return prefs, nil
}

func (r *RedisRemote) Save(ctx context.Context, prefs message.Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisRemote) Close() error { return r.rdb.Close() }

// BreakerConfig configures BreakerRemote.
type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures uint32 `mapstructure:"failures"`
	// OpenFor is how long the breaker stays open before probing again.
	OpenFor time.Duration `mapstructure:"open_for"`
}

// BreakerRemote stops calling an unreachable remote for a while, so a dead
// preference service costs one fast error instead of one timeout per call.
type BreakerRemote struct {
	next Remote
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerRemote wraps next.
func NewBreakerRemote(next Remote, cfg BreakerConfig) *BreakerRemote {
	if cfg.Failures == 0 {
		cfg.Failures = 3
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	logger := slog.With("component", "settings")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "preference-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerRemote{next: next, cb: cb}
}

func (b *BreakerRemote) Fetch(ctx context.Context) (message.Preferences, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Fetch(ctx)
	})
	if err != nil {
		return message.Preferences{}, err
	}
	return v.(message.Preferences), nil
}

func (b *BreakerRemote) Save(ctx context.Context, prefs message.Preferences) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Save(ctx, prefs)
	})
	return err
}

// State reports the breaker state ("closed", "open", "half-open").
func (b *BreakerRemote) State() string { return b.cb.State().String() }

// Open reports whether calls are currently being short-circuited.
func (b *BreakerRemote) Open() bool { return b.cb.State() == gobreaker.StateOpen }
