package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"pidline/internal/config"
	"pidline/internal/repo"
)

const configKey = "config"

// ConfigStore persists the application config.
type ConfigStore interface {
	GetConfig(ctx context.Context) (*config.Config, error)
	PutConfig(ctx context.Context, cfg *config.Config) error
}

// Resolver serves the stored config and per-group registration settings
// from an in-process cache. Import flushes the cache.
type Resolver struct {
	store ConfigStore
	cache *cache.Cache
}

func NewResolver(store ConfigStore, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{store: store, cache: cache.New(ttl, 2*ttl)}
}

// Config returns the stored config, seeding defaults when none exists yet.
func (r *Resolver) Config(ctx context.Context) (*config.Config, error) {
	if v, ok := r.cache.Get(configKey); ok {
		return v.(*config.Config), nil
	}
	cfg, err := r.store.GetConfig(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		cfg = config.Default()
		if err := r.store.PutConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("seed config: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	r.cache.SetDefault(configKey, cfg)
	return cfg, nil
}

// Registration resolves the registration settings for an owning-record
// group. It returns config.ErrNotConfigured when none apply.
func (r *Resolver) Registration(ctx context.Context, group string) (config.Registration, error) {
	key := "group:" + group
	if v, ok := r.cache.Get(key); ok {
		return v.(config.Registration), nil
	}
	cfg, err := r.Config(ctx)
	if err != nil {
		return config.Registration{}, err
	}
	reg, err := cfg.Resolve(group)
	if err != nil {
		return config.Registration{}, err
	}
	r.cache.SetDefault(key, reg)
	return reg, nil
}

// Import validates and stores cfg, then drops every cached resolution.
func (r *Resolver) Import(ctx context.Context, cfg *config.Config) error {
	if err := r.store.PutConfig(ctx, cfg); err != nil {
		return err
	}
	r.cache.Flush()
	return nil
}
