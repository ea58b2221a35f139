package store

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/torlnapp/mls"
)

const DefaultCacheSize = 256

var ErrNotLister = errors.New("backing store cannot list groups")

// CachedStore serves repeated loads from memory.  Saves go to the backing
// store first and only then update the cache.
type CachedStore struct {
	backing mls.GroupStore
	cache   *lru.Cache[string, []byte]
}

func NewCachedStore(backing mls.GroupStore, size int) (*CachedStore, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}

	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	return &CachedStore{backing: backing, cache: cache}, nil
}

func (c *CachedStore) Load(ctx context.Context, groupID []byte) ([]byte, error) {
	if data, ok := c.cache.Get(string(groupID)); ok {
		return append([]byte{}, data...), nil
	}

	data, err := c.backing.Load(ctx, groupID)
	if err != nil {
		return nil, err
	}

	c.cache.Add(string(groupID), append([]byte{}, data...))
	return data, nil
}

func (c *CachedStore) Save(ctx context.Context, groupID []byte, state []byte) error {
	if err := c.backing.Save(ctx, groupID, state); err != nil {
		c.cache.Remove(string(groupID))
		return err
	}

	c.cache.Add(string(groupID), append([]byte{}, state...))
	return nil
}

// GroupIDs lists the groups of the backing store.  The cache only holds
// recently used groups, so it is never consulted.
func (c *CachedStore) GroupIDs(ctx context.Context) ([][]byte, error) {
	l, ok := c.backing.(Lister)
	if !ok {
		return nil, ErrNotLister
	}
	return l.GroupIDs(ctx)
}

// Len is the number of cached groups.
func (c *CachedStore) Len() int {
	return c.cache.Len()
}
