package kastchei

import (
	"context"
	"sync"
)

// EndpointSource yields the endpoint used to build each transport. Next is
// called once at startup and again whenever a transport has been rejected.
// It returns ErrNoMoreEndpoints when the source is exhausted.
type EndpointSource interface {
	Next(ctx context.Context) (string, error)
}

type staticEndpoint struct {
	mu       sync.Mutex
	endpoint string
	used     bool
}

// StaticEndpoint yields endpoint once
func StaticEndpoint(endpoint string) EndpointSource {
	return &staticEndpoint{endpoint: endpoint}
}

func (s *staticEndpoint) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return "", ErrNoMoreEndpoints
	}
	s.used = true
	return s.endpoint, nil
}

type endpointStream struct {
	ch <-chan string
}

// EndpointStream yields every endpoint received on ch and is exhausted when
// ch is closed. Next blocks until a value arrives.
func EndpointStream(ch <-chan string) EndpointSource {
	return &endpointStream{ch: ch}
}

func (s *endpointStream) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case endpoint, ok := <-s.ch:
		if !ok {
			return "", ErrNoMoreEndpoints
		}
		return endpoint, nil
	}
}

// EndpointList yields the given endpoints in order
func EndpointList(endpoints ...string) EndpointSource {
	ch := make(chan string, len(endpoints))
	for _, e := range endpoints {
		ch <- e
	}
	close(ch)
	return EndpointStream(ch)
}
