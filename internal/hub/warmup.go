// ABOUTME: Startup connectivity probe for registered expert endpoints
// ABOUTME: Concurrent probes with exponential backoff, outside breaker accounting

package hub

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/pool"
)

const (
	warmupAttempts    = 4
	warmupConcurrency = 4
)

// Warmup probes every registered endpoint concurrently so that dead
// configuration surfaces in the logs at startup rather than on the first
// user-facing call. Probes bypass the breakers: a slow endpoint boot must
// not pre-charge failure counts, and a reachable endpoint earns nothing.
func (h *Hub) Warmup(ctx context.Context) {
	h.mu.RLock()
	endpoints := make([]*endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		endpoints = append(endpoints, ep)
	}
	h.mu.RUnlock()

	p := pool.New().WithMaxGoroutines(warmupConcurrency)
	for _, ep := range endpoints {
		p.Go(func() {
			h.probe(ctx, ep)
		})
	}
	p.Wait()
}

// probe retries a tools/list call with exponential backoff until it succeeds
// or the attempt budget is spent. Failure is logged, never fatal.
func (h *Hub) probe(ctx context.Context, ep *endpoint) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var lastErr error
	for attempt := 1; attempt <= warmupAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
		_, lastErr = h.post(callCtx, ep.address, "tools/list", struct{}{})
		cancel()

		if lastErr == nil {
			h.logger.Info("endpoint reachable", "endpoint", ep.name, "attempt", attempt)
			return
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop || attempt == warmupAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}

	h.logger.Warn("endpoint unreachable after warmup",
		"endpoint", ep.name,
		"address", ep.address,
		"error", lastErr,
	)
}
