package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidline/internal/config"
	"pidline/internal/repo"
)

type memStore struct {
	cfg  *config.Config
	gets int
}

func (m *memStore) GetConfig(context.Context) (*config.Config, error) {
	m.gets++
	if m.cfg == nil {
		return nil, repo.ErrNotFound
	}
	return m.cfg, nil
}

func (m *memStore) PutConfig(_ context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.cfg = cfg
	return nil
}

func TestResolverSeedsDefaultsAsDisabled(t *testing.T) {
	store := &memStore{}
	r := NewResolver(store, time.Minute)
	cfg, err := r.Config(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, store.cfg)
	assert.False(t, cfg.Registration.IsEnabled())

	_, err = r.Registration(context.Background(), "")
	assert.ErrorIs(t, err, config.ErrNotConfigured)
}

func TestResolverCachesUntilImport(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
registration:
  base_url: https://api.example.org
  prefix: "10.1234"
`))
	require.NoError(t, err)
	store := &memStore{cfg: cfg}
	r := NewResolver(store, time.Minute)
	ctx := context.Background()

	reg, err := r.Registration(ctx, "REPO")
	require.NoError(t, err)
	assert.Equal(t, "10.1234", reg.Prefix)
	_, err = r.Registration(ctx, "REPO")
	require.NoError(t, err)
	assert.Equal(t, 1, store.gets)

	next, err := config.FromYAML([]byte(`
registration:
  base_url: https://api.example.org
  prefix: "10.5555"
`))
	require.NoError(t, err)
	require.NoError(t, r.Import(ctx, next))

	reg, err = r.Registration(ctx, "REPO")
	require.NoError(t, err)
	assert.Equal(t, "10.5555", reg.Prefix)
}
