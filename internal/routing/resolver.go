package routing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Resolver maps a sandbox id to the base URL of its control plane. The edge
// and the bridge both consume it; the platform supplies the implementation.
type Resolver interface {
	Resolve(ctx context.Context, sandboxID string) (*url.URL, error)
}

// StaticResolver resolves sandbox ids from a fixed mapping, falling back to
// a host template where {id} is substituted.
type StaticResolver struct {
	mu       sync.RWMutex
	mapping  map[string]*url.URL
	template string
}

// NewStaticResolver builds a resolver from id->address strings.
func NewStaticResolver(mapping map[string]string, template string) (*StaticResolver, error) {
	parsed := make(map[string]*url.URL, len(mapping))
	for id, addr := range mapping {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid sandbox address for %s: %w", id, err)
		}
		parsed[id] = u
	}
	return &StaticResolver{mapping: parsed, template: template}, nil
}

// Resolve implements Resolver.
func (s *StaticResolver) Resolve(_ context.Context, sandboxID string) (*url.URL, error) {
	s.mu.RLock()
	u, ok := s.mapping[sandboxID]
	s.mu.RUnlock()
	if ok {
		return u, nil
	}
	if s.template == "" {
		return nil, fmt.Errorf("unknown sandbox: %s", sandboxID)
	}
	return url.Parse(strings.ReplaceAll(s.template, "{id}", sandboxID))
}

// Set adds or replaces one mapping at runtime.
func (s *StaticResolver) Set(sandboxID, addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("invalid sandbox address: %w", err)
	}
	s.mu.Lock()
	s.mapping[sandboxID] = u
	s.mu.Unlock()
	return nil
}
