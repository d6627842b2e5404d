package access

import (
	"context"
	"net"
	"sync"
)

// GeoResolver maps an IP to a location. A nil location with a nil error means
// the address is unknown.
type GeoResolver interface {
	Resolve(ctx context.Context, ip net.IP) (*Location, error)
}

// IPReputation reports whether an address is known to be hostile.
type IPReputation interface {
	IsSuspicious(ctx context.Context, ip net.IP) (bool, error)
}

// LocationHistory tracks where each user has been seen before.
type LocationHistory interface {
	KnownLocations(ctx context.Context, userID string) ([]string, error)
	RecordLocation(ctx context.Context, userID, key string) error
}

// Availability is implemented by capabilities that may be absent at runtime.
type Availability interface {
	Available() bool
}

func available(v any) bool {
	if v == nil {
		return false
	}
	if a, ok := v.(Availability); ok {
		return a.Available()
	}
	return true
}

// NullGeoResolver never resolves anything.
type NullGeoResolver struct{}

func (NullGeoResolver) Resolve(context.Context, net.IP) (*Location, error) { return nil, nil }
func (NullGeoResolver) Available() bool                                 { return false }

// NullIPReputation never flags an address.
type NullIPReputation struct{}

func (NullIPReputation) IsSuspicious(context.Context, net.IP) (bool, error) { return false, nil }
func (NullIPReputation) Available() bool                                   { return false }

// NullLocationHistory has no history.
type NullLocationHistory struct{}

func (NullLocationHistory) KnownLocations(context.Context, string) ([]string, error) {
	return nil, ErrUnavailable
}
func (NullLocationHistory) RecordLocation(context.Context, string, string) error { return nil }
func (NullLocationHistory) Available() bool                                       { return false }

// LazyGeoResolver defers construction of a resolver (for example opening a
// GeoIP database) until first use. A failed init leaves it unavailable.
type LazyGeoResolver struct {
	init func() (GeoResolver, error)

	once     sync.Once
	resolver GeoResolver
	err      error
}

func NewLazyGeoResolver(init func() (GeoResolver, error)) *LazyGeoResolver {
	return &LazyGeoResolver{init: init}
}

func (l *LazyGeoResolver) load() {
	l.once.Do(func() {
		if l.init == nil {
			l.err = ErrUnavailable
			return
		}
		l.resolver, l.err = l.init()
		if l.err == nil && l.resolver == nil {
			l.err = ErrUnavailable
		}
	})
}

// Available reports whether the resolver initialised successfully.
func (l *LazyGeoResolver) Available() bool {
	l.load()
	return l.err == nil
}

// Err returns the initialisation error, if any.
func (l *LazyGeoResolver) Err() error {
	l.load()
	return l.err
}

func (l *LazyGeoResolver) Resolve(ctx context.Context, ip net.IP) (*Location, error) {
	if !l.Available() {
		return nil, ErrUnavailable
	}
	return l.resolver.Resolve(ctx, ip)
}

// StaticGeoResolver resolves addresses from a fixed CIDR table.
type StaticGeoResolver struct {
	entries []geoEntry
}

type geoEntry struct {
	set *IPSetExpr
	loc Location
}

func NewStaticGeoResolver() *StaticGeoResolver { return &StaticGeoResolver{} }

// Add maps cidr to loc.
func (s *StaticGeoResolver) Add(cidr string, loc Location) error {
	set, err := NewIPSetExpr([]string{cidr})
	if err != nil {
		return err
	}
	s.entries = append(s.entries, geoEntry{set: set, loc: loc})
	return nil
}

func (s *StaticGeoResolver) Resolve(_ context.Context, ip net.IP) (*Location, error) {
	for _, e := range s.entries {
		if e.set.Contains(ip) {
			loc := e.loc
			return &loc, nil
		}
	}
	return nil, nil
}

// StaticIPReputation flags addresses inside a fixed block list.
type StaticIPReputation struct {
	set *IPSetExpr
}

func NewStaticIPReputation(cidrs []string) (*StaticIPReputation, error) {
	set, err := NewIPSetExpr(cidrs)
	if err != nil {
		return nil, err
	}
	return &StaticIPReputation{set: set}, nil
}

func (s *StaticIPReputation) IsSuspicious(_ context.Context, ip net.IP) (bool, error) {
	return s.set.Contains(ip), nil
}

// MemoryLocationHistory keeps known locations per user in memory.
type MemoryLocationHistory struct {
	mu   sync.RWMutex
	seen map[string]map[string]struct{}
}

func NewMemoryLocationHistory() *MemoryLocationHistory {
	return &MemoryLocationHistory{seen: make(map[string]map[string]struct{})}
}

func (h *MemoryLocationHistory) KnownLocations(_ context.Context, userID string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.seen[userID]))
	for k := range h.seen[userID] {
		out = append(out, k)
	}
	return out, nil
}

func (h *MemoryLocationHistory) RecordLocation(_ context.Context, userID, key string) error {
	if key == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.seen[userID]
	if !ok {
		m = make(map[string]struct{})
		h.seen[userID] = m
	}
	m[key] = struct{}{}
	return nil
}
