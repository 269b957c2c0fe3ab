// Package redis stores policy in Redis so several hostgate instances can
// share one user's decisions.
//
// Layout under Prefix: "<prefix>:global" and "<prefix>:disabled" hold JSON
// strings, "<prefix>:sites" is a hash of site -> JSON site policy.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/haukened/hostgate/internal/gate/common/hostname"
	"github.com/haukened/hostgate/internal/gate/domain"
	"github.com/haukened/hostgate/internal/gate/repos/policy"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// client is the subset of *redis.Client the store uses.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Close() error
}

type redisStore struct {
	rdb    client
	prefix string
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, opts Options) (policy.Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return newStore(rdb, opts.Prefix), nil
}

func newStore(rdb client, prefix string) *redisStore {
	if prefix == "" {
		prefix = "hostgate"
	}
	return &redisStore{rdb: rdb, prefix: prefix}
}

func (s *redisStore) key(name string) string { return s.prefix + ":" + name }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) GlobalPolicy(ctx context.Context) (domain.GlobalPolicy, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(policy.KeyGlobal)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.GlobalPolicy{}, false, nil
	}
	if err != nil {
		return domain.GlobalPolicy{}, false, err
	}
	p, err := policy.DecodeGlobal(v)
	if err != nil {
		return domain.GlobalPolicy{}, false, err
	}
	return p, true, nil
}

func (s *redisStore) SaveGlobalPolicy(ctx context.Context, p domain.GlobalPolicy) error {
	v, err := policy.EncodeGlobal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(policy.KeyGlobal), v, 0).Err()
}

func (s *redisStore) SitePolicy(ctx context.Context, site string) (domain.SitePolicy, error) {
	site = hostname.Normalize(site)
	v, err := s.rdb.HGet(ctx, s.key("sites"), site).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.NewSitePolicy(), nil
	}
	if err != nil {
		return domain.SitePolicy{}, err
	}
	return policy.DecodeSite(site, v)
}

func (s *redisStore) SitePolicies(ctx context.Context) (map[string]domain.SitePolicy, error) {
	all, err := s.rdb.HGetAll(ctx, s.key("sites")).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.SitePolicy, len(all))
	for site, v := range all {
		sp, err := policy.DecodeSite(site, []byte(v))
		if err != nil {
			return nil, err
		}
		out[site] = sp
	}
	return out, nil
}

func (s *redisStore) SaveSitePolicy(ctx context.Context, site string, p domain.SitePolicy) error {
	site = hostname.Normalize(site)
	p = p.Clean()
	if p.IsEmpty() {
		return s.rdb.HDel(ctx, s.key("sites"), site).Err()
	}
	v, err := policy.EncodeSite(p)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key("sites"), site, v).Err()
}

func (s *redisStore) DisabledSites(ctx context.Context) (domain.DisabledSites, error) {
	v, err := s.rdb.Get(ctx, s.key(policy.KeyDisabled)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.DisabledSites{}, nil
	}
	if err != nil {
		return nil, err
	}
	return policy.DecodeDisabled(v)
}

func (s *redisStore) SaveDisabledSites(ctx context.Context, d domain.DisabledSites) error {
	v, err := policy.EncodeDisabled(d)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(policy.KeyDisabled), v, 0).Err()
}

var _ policy.Store = (*redisStore)(nil)
var _ client = (*redis.Client)(nil)
