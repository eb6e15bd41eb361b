// Package discovery provides the pluggable Source contract HostManager
// polls, plus a couple of concrete implementations.
package discovery

import "context"

// Source is the injected discovery contract. It must be idempotent and
// side-effect-free from the driver's perspective, and is called
// concurrently only by HostManager's polling loop.
type Source interface {
	FindAvailableHostsAndSlots(ctx context.Context) (map[string]int, error)
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func(ctx context.Context) (map[string]int, error)

func (f SourceFunc) FindAvailableHostsAndSlots(ctx context.Context) (map[string]int, error) {
	return f(ctx)
}

// Static is a fixed-membership Source, useful for tests and for jobs whose
// fleet is actually static but still wants elastic bookkeeping.
type Static struct {
	hosts map[string]int
}

// NewStatic builds a Static source from a fixed host->slots map. The map is
// copied so later mutation by the caller has no effect.
func NewStatic(hosts map[string]int) *Static {
	cp := make(map[string]int, len(hosts))
	for h, s := range hosts {
		cp[h] = s
	}
	return &Static{hosts: cp}
}

func (s *Static) FindAvailableHostsAndSlots(context.Context) (map[string]int, error) {
	cp := make(map[string]int, len(s.hosts))
	for h, n := range s.hosts {
		cp[h] = n
	}
	return cp, nil
}
