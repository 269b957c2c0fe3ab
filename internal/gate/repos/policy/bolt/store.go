// Package bolt is the bbolt-backed policy.Store used by default.
package bolt

import (
	"context"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/hostgate/internal/gate/common/hostname"
	"github.com/haukened/hostgate/internal/gate/domain"
	"github.com/haukened/hostgate/internal/gate/repos/policy"
)

var (
	bucketPolicy = []byte("policy")
	bucketSites  = []byte("sites")
)

type boltStore struct {
	db *bbolt.DB
}

// bucketCreator is the subset of *bbolt.Tx used to create buckets.
type bucketCreator interface {
	CreateBucketIfNotExists(name []byte) (*bbolt.Bucket, error)
}

// ensureBucketsFn creates the policy and sites buckets. Replaced in tests.
var ensureBucketsFn = func(tx bucketCreator) error {
	for _, name := range [][]byte{bucketPolicy, bucketSites} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(path string) (policy.Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error { return ensureBucketsFn(tx) }); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func (s *boltStore) GlobalPolicy(ctx context.Context) (domain.GlobalPolicy, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.GlobalPolicy{}, false, err
	}
	var (
		p     domain.GlobalPolicy
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPolicy).Get([]byte(policy.KeyGlobal))
		if v == nil {
			return nil
		}
		var err error
		p, err = policy.DecodeGlobal(v)
		found = err == nil
		return err
	})
	return p, found, err
}

func (s *boltStore) SaveGlobalPolicy(ctx context.Context, p domain.GlobalPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := policy.EncodeGlobal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPolicy).Put([]byte(policy.KeyGlobal), v)
	})
}

func (s *boltStore) SitePolicy(ctx context.Context, site string) (domain.SitePolicy, error) {
	if err := ctx.Err(); err != nil {
		return domain.SitePolicy{}, err
	}
	site = hostname.Normalize(site)
	sp := domain.NewSitePolicy()
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSites).Get([]byte(site))
		if v == nil {
			return nil
		}
		var err error
		sp, err = policy.DecodeSite(site, v)
		return err
	})
	return sp, err
}

func (s *boltStore) SitePolicies(ctx context.Context) (map[string]domain.SitePolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]domain.SitePolicy)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSites).ForEach(func(k, v []byte) error {
			sp, err := policy.DecodeSite(string(k), v)
			if err != nil {
				return err
			}
			out[string(k)] = sp
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) SaveSitePolicy(ctx context.Context, site string, p domain.SitePolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	site = hostname.Normalize(site)
	p = p.Clean()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSites)
		if p.IsEmpty() {
			return b.Delete([]byte(site))
		}
		v, err := policy.EncodeSite(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(site), v)
	})
}

func (s *boltStore) DisabledSites(ctx context.Context) (domain.DisabledSites, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var d domain.DisabledSites
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPolicy).Get([]byte(policy.KeyDisabled))
		if v == nil {
			return nil
		}
		var err error
		d, err = policy.DecodeDisabled(v)
		return err
	})
	return d, err
}

func (s *boltStore) SaveDisabledSites(ctx context.Context, d domain.DisabledSites) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := policy.EncodeDisabled(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPolicy).Put([]byte(policy.KeyDisabled), v)
	})
}

var _ policy.Store = (*boltStore)(nil)
