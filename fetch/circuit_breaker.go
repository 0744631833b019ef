package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// BreakerOptions tunes the per-host circuit breakers.
type BreakerOptions struct {
	Threshold       int64 // consecutive failures before tripping
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultBreakerOptions trips after 5 consecutive failures and probes again after 30s,
// backing off up to 5m.
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{Threshold: 5, InitialInterval: 30 * time.Second, MaxInterval: 5 * time.Minute}
}

// CircuitBreakerFetcher wraps a Getter with one circuit breaker per upstream host.
// Upstream 404s are answers, not failures, so they never count towards tripping.
type CircuitBreakerFetcher struct {
	getter   Getter
	opts     BreakerOptions
	breakers map[string]*circuit.Breaker
	mu       sync.RWMutex
}

// NewCircuitBreakerFetcher creates a circuit breaker wrapper for g.
func NewCircuitBreakerFetcher(g Getter, opts BreakerOptions) *CircuitBreakerFetcher {
	if opts.Threshold <= 0 {
		opts = DefaultBreakerOptions()
	}
	return &CircuitBreakerFetcher{
		getter:   g,
		opts:     opts,
		breakers: make(map[string]*circuit.Breaker),
	}
}

func (cbf *CircuitBreakerFetcher) breaker(host string) *circuit.Breaker {
	cbf.mu.RLock()
	b, ok := cbf.breakers[host]
	cbf.mu.RUnlock()
	if ok {
		return b
	}

	cbf.mu.Lock()
	defer cbf.mu.Unlock()
	if b, ok := cbf.breakers[host]; ok {
		return b
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cbf.opts.InitialInterval
	expBackoff.MaxInterval = cbf.opts.MaxInterval
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	b = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ConsecutiveTripFunc(cbf.opts.Threshold),
	})
	cbf.breakers[host] = b
	return b
}

// Get fetches through the breaker for the URL's host.
func (cbf *CircuitBreakerFetcher) Get(ctx context.Context, rawURL string) (*Response, error) {
	host := hostOf(rawURL)
	b := cbf.breaker(host)

	if !b.Ready() {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", host, ErrUpstreamDown)
	}

	var (
		resp     *Response
		notFound bool
	)
	err := b.Call(func() error {
		var err error
		resp, err = cbf.getter.Get(ctx, rawURL)
		if errors.Is(err, ErrNotFound) {
			notFound = true
			return nil
		}
		return err
	}, 0)

	if notFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// State reports "open" or "closed" for every host seen so far.
func (cbf *CircuitBreakerFetcher) State() map[string]string {
	cbf.mu.RLock()
	defer cbf.mu.RUnlock()

	states := make(map[string]string, len(cbf.breakers))
	for host, b := range cbf.breakers {
		if b.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

// hostOf groups URLs by host for breaker selection.
func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}
