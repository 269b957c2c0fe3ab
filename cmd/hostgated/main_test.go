package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/haukened/hostgate/internal/gate/common/log"
	"github.com/haukened/hostgate/internal/gate/config"
	"github.com/haukened/hostgate/internal/gate/domain"
	"github.com/haukened/hostgate/internal/gate/repos/rules"
)

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := config.DEFAULT_APP_CONFIG
	dir := t.TempDir()
	cfg.Env = "dev"
	cfg.Listen = freeAddr(t)
	cfg.PolicyDB = filepath.Join(dir, "policy.db")
	cfg.RulesDB = filepath.Join(dir, "rules.db")
	return &cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestBuildRepositories_Backends(t *testing.T) {
	tests := []struct {
		name          string
		policyBackend string
		rulesBackend  string
	}{
		{"bolt", "bolt", "bolt"},
		{"memory", "memory", "memory"},
		{"mixed", "memory", "bolt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.PolicyBackend = tt.policyBackend
			cfg.RulesBackend = tt.rulesBackend

			repos, err := buildRepositories(context.Background(), cfg, log.NewNoopLogger())
			require.NoError(t, err)
			assert.NotNil(t, repos.policies)
			assert.NotNil(t, repos.rules)
			assert.NotNil(t, repos.index)
			assert.Nil(t, repos.seed)
			assert.NoError(t, repos.Close())
		})
	}
}

func TestBuildRepositories_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(t *testing.T, cfg *config.AppConfig)
		wantErr string
	}{
		{"unknown policy backend", func(_ *testing.T, cfg *config.AppConfig) {
			cfg.PolicyBackend = "etcd"
		}, "unknown policy backend"},
		{"unknown rules backend", func(_ *testing.T, cfg *config.AppConfig) {
			cfg.PolicyBackend = "memory"
			cfg.RulesBackend = "sqlite"
		}, "unknown rules backend"},
		{"unknown rules backend after bolt policy", func(_ *testing.T, cfg *config.AppConfig) {
			cfg.RulesBackend = "sqlite"
		}, "unknown rules backend"},
		{"bad bolt path", func(t *testing.T, cfg *config.AppConfig) {
			cfg.PolicyDB = filepath.Join(t.TempDir(), "missing", "dir", "policy.db")
		}, "failed to open policy store"},
		{"bad rules bolt path", func(t *testing.T, cfg *config.AppConfig) {
			cfg.RulesDB = filepath.Join(t.TempDir(), "missing", "dir", "rules.db")
		}, "failed to open rule store"},
		{"unreachable redis", func(t *testing.T, cfg *config.AppConfig) {
			cfg.PolicyBackend = "redis"
			cfg.RedisAddr = freeAddr(t)
		}, "failed to open policy store"},
		{"missing seed file", func(t *testing.T, cfg *config.AppConfig) {
			cfg.SeedFile = filepath.Join(t.TempDir(), "nope.yaml")
		}, "failed to load seed file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(t, cfg)

			var repos *repositories
			var err error
			require.NotPanics(t, func() {
				repos, err = buildRepositories(context.Background(), cfg, log.NewNoopLogger())
			})
			assert.ErrorContains(t, err, tt.wantErr)
			assert.Nil(t, repos)
		})
	}
}

func TestBuildRepositories_ErrorReleasesOpenedStores(t *testing.T) {
	cfg := testConfig(t)
	cfg.SeedFile = filepath.Join(t.TempDir(), "nope.yaml")
	_, err := buildRepositories(context.Background(), cfg, log.NewNoopLogger())
	require.ErrorContains(t, err, "failed to load seed file")

	// both bolt files were opened before the seed failed; bolt's file lock
	// would make a second open time out if they were still held
	cfg.SeedFile = ""
	repos, err := buildRepositories(context.Background(), cfg, log.NewNoopLogger())
	require.NoError(t, err)
	assert.NoError(t, repos.Close())
}

func TestBuildRepositories_SeedFile(t *testing.T) {
	cfg := testConfig(t)
	seed := filepath.Join(t.TempDir(), "seed.txt")
	require.NoError(t, os.WriteFile(seed, []byte("ads.example.com\n# comment\ntracker.example.net\n"), 0o644))
	cfg.SeedFile = seed

	repos, err := buildRepositories(context.Background(), cfg, log.NewNoopLogger())
	require.NoError(t, err)
	defer repos.Close()
	require.NotNil(t, repos.seed)
	assert.Equal(t, []string{"ads.example.com", "tracker.example.net"}, repos.seed.Blocked)
}

type closeFailStore struct {
	rules.Store
	err error
}

func (c closeFailStore) Close() error { return c.err }

func TestRepositories_CloseAggregates(t *testing.T) {
	a := errors.New("policy close")
	b := errors.New("rules close")
	cfg := testConfig(t)
	cfg.PolicyBackend, cfg.RulesBackend = "memory", "memory"
	repos, err := buildRepositories(context.Background(), cfg, log.NewNoopLogger())
	require.NoError(t, err)

	repos.rules = closeFailStore{Store: repos.rules, err: b}
	assert.Equal(t, []error{b}, multierr.Errors(repos.Close()))

	repos.policies = nil
	repos.rules = closeFailStore{err: a}
	err = repos.Close()
	assert.ErrorIs(t, err, a)
	assert.Len(t, multierr.Errors(err), 1)
}

func TestApplication_RunLifecycle(t *testing.T) {
	cfg := testConfig(t)
	app, err := buildApplication(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + cfg.Listen + "/v1/rules")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	var body struct {
		Site   []domain.Rule `json:"site"`
		Global []domain.Rule `json:"global"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	// the built-in default policy blocks two hosts
	assert.Len(t, body.Global, 2)
	assert.Empty(t, body.Site)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// stores are closed on exit so the bolt files can be opened again
	repos, err := buildRepositories(context.Background(), cfg, log.NewNoopLogger())
	require.NoError(t, err)
	installed, err := repos.rules.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, installed, 2)
	assert.NoError(t, repos.Close())
}

func TestApplication_RunFailsOnBusyAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.PolicyBackend, cfg.RulesBackend = "memory", "memory"
	cfg.Listen = ln.Addr().String()
	app, err := buildApplication(context.Background(), cfg)
	require.NoError(t, err)

	err = app.Run(context.Background())
	assert.ErrorContains(t, err, "failed to start message API")
}
