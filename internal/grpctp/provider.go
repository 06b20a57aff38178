package grpctp

import (
	"context"
	"sync"
)

// EndpointProvider lists reachable targets for a fully-qualified gRPC service
// name (e.g. "graphstream.engine.v1.Engine"). Implementations must be safe for
// concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, service string) ([]string, error)
}

// StaticEndpoints is a provider backed by an in-memory map from service name
// to targets. Set replaces the targets of a service at runtime.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	s := &StaticEndpoints{data: make(map[string][]string, len(m))}
	for k, v := range m {
		s.Set(k, v...)
	}
	return s
}

func (s *StaticEndpoints) Set(service string, targets ...string) {
	cp := make([]string, len(targets))
	copy(cp, targets)
	s.mu.Lock()
	s.data[service] = cp
	s.mu.Unlock()
}

func (s *StaticEndpoints) Endpoints(_ context.Context, service string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[service]
	if len(arr) == 0 {
		return nil, ErrNoEndpoints
	}
	out := make([]string, len(arr))
	copy(out, arr)
	return out, nil
}
