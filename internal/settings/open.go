package settings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Config selects and configures the cache and the remote store.
type Config struct {
	// CachePath is the SQLite cache file. Empty or ":memory:" keeps the cache in memory.
	CachePath string `mapstructure:"cache_path"`

	// Remote is "http", "redis" or "none".
	Remote string `mapstructure:"remote"`

	// BaseURL is the backend base for the http remote.
	BaseURL string `mapstructure:"base_url"`

	Redis   RedisConfig   `mapstructure:"redis"`
	Breaker BreakerConfig `mapstructure:"breaker"`

	Timeout time.Duration `mapstructure:"timeout"`
}

// Open builds a Store from config. The returned closer releases the cache
// and remote connections.
func Open(ctx context.Context, cfg Config) (*Store, io.Closer, error) {
	var closers multiCloser

	var cache Cache
	if cfg.CachePath == "" || cfg.CachePath == ":memory:" {
		cache = NewMemoryCache()
	} else {
		sc, err := OpenSQLiteCache(cfg.CachePath)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, sc)
		cache = sc
	}

	var remote Remote
	switch cfg.Remote {
	case "", "none":
	case "http":
		if cfg.BaseURL == "" {
			closers.Close()
			return nil, nil, fmt.Errorf("settings.base_url is required for the http remote")
		}
		remote = NewHTTPRemote(cfg.BaseURL, cfg.Timeout)
	case "redis":
		rr, err := NewRedisRemote(ctx, cfg.Redis)
		if err != nil {
			closers.Close()
			return nil, nil, err
		}
		closers = append(closers, rr)
		remote = rr
	default:
		closers.Close()
		return nil, nil, fmt.Errorf("unknown settings remote %q", cfg.Remote)
	}
	if remote != nil {
		remote = NewBreakerRemote(remote, cfg.Breaker)
	}

	return NewStore(cache, remote, cfg.Timeout), closers, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
