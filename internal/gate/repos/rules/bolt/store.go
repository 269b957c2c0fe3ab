// Package bolt persists the installed rule set in a bbolt database so rules
// survive restarts the way a browser's dynamic rules do.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/hostgate/internal/gate/domain"
	"github.com/haukened/hostgate/internal/gate/repos/rules"
)

var bucketRules = []byte("rules")

// boltStore implements rules.Store using bbolt. Keys are big-endian rule
// ids so cursor order is id order; values are the rule's JSON form.
type boltStore struct {
	db *bbolt.DB
}

// ensureBucketsFn creates the buckets the store needs. Replaced in tests.
var ensureBucketsFn = func(tx *bbolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(bucketRules)
	return err
}

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(path string) (rules.Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(ensureBucketsFn); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func (s *boltStore) List(ctx context.Context) ([]domain.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Rule
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRules)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			r, err := decodeRule(k, v)
			if err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Apply checks and writes the delta inside one read-write transaction.
func (s *boltStore) Apply(ctx context.Context, d domain.Delta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRules)
		if b == nil {
			return fmt.Errorf("bucket %q missing", bucketRules)
		}
		lookup := func(id int) (domain.Rule, bool) {
			v := b.Get(idKey(id))
			if v == nil {
				return domain.Rule{}, false
			}
			r, err := decodeRule(idKey(id), v)
			if err != nil {
				return domain.Rule{ID: id}, true
			}
			return r, true
		}
		if err := rules.CheckDelta(d, lookup); err != nil {
			return err
		}
		for _, id := range d.RemoveIDs {
			if err := b.Delete(idKey(id)); err != nil {
				return err
			}
		}
		for _, r := range d.AddRules {
			v, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := b.Put(idKey(r.ID), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func idKey(id int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(id))
	return k
}

func decodeRule(k, v []byte) (domain.Rule, error) {
	var r domain.Rule
	if err := json.Unmarshal(v, &r); err != nil {
		return domain.Rule{}, fmt.Errorf("decode rule %d: %w", binary.BigEndian.Uint32(k), err)
	}
	return r, nil
}

var _ rules.Store = (*boltStore)(nil)
