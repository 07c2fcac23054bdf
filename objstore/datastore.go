package objstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
)

var metaPrefix = ds.NewKey("/_meta")

// DatastoreStore keeps objects in any batching go-datastore. Content types
// live under a separate "/_meta" key space so listing a stage never sees them.
type DatastoreStore struct {
	db ds.Batching
}

func NewDatastoreStore(db ds.Batching) *DatastoreStore {
	return &DatastoreStore{db: db}
}

// NewMemStore is an in-process store backed by a synchronized map datastore.
func NewMemStore() *DatastoreStore {
	return NewDatastoreStore(dssync.MutexWrap(ds.NewMapDatastore()))
}

// dataKey rejects paths that ds.NewKey would clean in to a different key.
func dataKey(path string) (ds.Key, error) {
	if err := ValidPath(path); err != nil {
		return ds.Key{}, err
	}
	return ds.NewKey(path), nil
}

func metaKey(k ds.Key) ds.Key {
	return metaPrefix.Child(k)
}

func (s *DatastoreStore) Get(ctx context.Context, path string) ([]byte, error) {
	k, err := dataKey(path)
	if err != nil {
		return nil, err
	}
	b, err := s.db.Get(ctx, k)
	if errors.Is(err, ds.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return b, err
}

func (s *DatastoreStore) Stat(ctx context.Context, path string) (string, error) {
	k, err := dataKey(path)
	if err != nil {
		return "", err
	}
	ok, err := s.db.Has(ctx, k)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	ct, err := s.db.Get(ctx, metaKey(k))
	if errors.Is(err, ds.ErrNotFound) {
		return "", nil
	}
	return string(ct), err
}

func (s *DatastoreStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	k, err := dataKey(path)
	if err != nil {
		return err
	}
	b, err := s.db.Batch(ctx)
	if err != nil {
		return err
	}
	if err := b.Put(ctx, k, data); err != nil {
		return err
	}
	if err := b.Put(ctx, metaKey(k), []byte(contentType)); err != nil {
		return err
	}
	return b.Commit(ctx)
}

func (s *DatastoreStore) Copy(ctx context.Context, src, dst string) error {
	data, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	ct, err := s.Stat(ctx, src)
	if err != nil {
		return err
	}
	return s.Put(ctx, dst, data, ct)
}

func (s *DatastoreStore) Delete(ctx context.Context, path string) error {
	k, err := dataKey(path)
	if err != nil {
		return err
	}
	b, err := s.db.Batch(ctx)
	if err != nil {
		return err
	}
	if err := b.Delete(ctx, k); err != nil {
		return err
	}
	if err := b.Delete(ctx, metaKey(k)); err != nil {
		return err
	}
	return b.Commit(ctx)
}

func (s *DatastoreStore) List(ctx context.Context, prefix string) ([]string, error) {
	res, err := s.db.Query(ctx, query.Query{
		Prefix:   ds.NewKey(prefix).String(),
		KeysOnly: true,
	})
	if err != nil {
		return nil, err
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, err
	}
	want := strings.TrimPrefix(prefix, "/")
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		p := strings.TrimPrefix(e.Key, "/")
		if strings.HasPrefix(p, metaPrefix.String()[1:]+"/") || !strings.HasPrefix(p, want) {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
