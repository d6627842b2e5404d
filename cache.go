package access

import (
	"strconv"

	"github.com/dgraph-io/ristretto"
)

// RoleCache memoises role chains. Keys include the directory version so a
// write to the directory implicitly invalidates every cached chain.
type RoleCache struct {
	c *ristretto.Cache
}

// NewRoleCache builds a ristretto-backed cache. Zero arguments fall back to
// defaults sized for a few thousand roles.
func NewRoleCache(numCounters, maxCost, bufferItems int64) (*RoleCache, error) {
	if numCounters <= 0 {
		numCounters = 1e5
	}
	if maxCost <= 0 {
		maxCost = 1e4
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RoleCache{c: c}, nil
}

func roleCacheKey(version uint64, roleID string) string {
	return strconv.FormatUint(version, 10) + ":" + roleID
}

// Get returns a copy of the cached chain.
func (r *RoleCache) Get(version uint64, roleID string) ([]string, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.c.Get(roleCacheKey(version, roleID))
	if !ok {
		return nil, false
	}
	chain, ok := v.([]string)
	if !ok {
		return nil, false
	}
	return append([]string(nil), chain...), true
}

// Set stores chain. Writes are buffered, so a following Get may miss.
func (r *RoleCache) Set(version uint64, roleID string, chain []string) {
	if r == nil {
		return
	}
	r.c.Set(roleCacheKey(version, roleID), append([]string(nil), chain...), int64(len(chain)))
}

// Wait blocks until buffered writes are applied.
func (r *RoleCache) Wait() {
	if r != nil {
		r.c.Wait()
	}
}

func (r *RoleCache) Clear() {
	if r != nil {
		r.c.Clear()
	}
}

func (r *RoleCache) Close() {
	if r != nil {
		r.c.Close()
	}
}
