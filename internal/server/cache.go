package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"

	"github.com/njchilds90/gocanon"
)

// errCacheRejected is returned when the cache declines to store an entry,
// so the id it would have had can never be looked up.
var errCacheRejected = errors.New("inverse cache: entry rejected")

// inverseCache holds inverse data between a canonicalize call and the
// matching invert call. Entries expire after ttl and may be evicted early
// when the cache is full; an evicted id behaves like an unknown one.
type inverseCache struct {
	cache *ristretto.Cache[string, *gocanon.InverseData]
	ttl   time.Duration
}

// newInverseCache holds up to maxEntries entries. Every entry costs 1 and
// ristretto's per-item overhead is not charged against that budget.
func newInverseCache(maxEntries int64, ttl time.Duration) (*inverseCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *gocanon.InverseData]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("inverse cache: %w", err)
	}
	return &inverseCache{cache: c, ttl: ttl}, nil
}

// put stores inv under a fresh id and returns the id. It fails with
// errCacheRejected unless the entry is readable when put returns.
func (c *inverseCache) put(inv *gocanon.InverseData) (string, error) {
	id := uuid.NewString()
	if !c.cache.SetWithTTL(id, inv, 1, c.ttl) {
		return "", errCacheRejected
	}
	c.cache.Wait()
	if _, ok := c.cache.Get(id); !ok {
		return "", errCacheRejected
	}
	return id, nil
}

func (c *inverseCache) get(id string) (*gocanon.InverseData, bool) {
	return c.cache.Get(id)
}

func (c *inverseCache) close() { c.cache.Close() }
