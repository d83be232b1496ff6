// Package secretcache keeps the shared ingest secret in memory for a bounded
// time and coalesces concurrent refreshes into a single external fetch.
package secretcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tinytelemetry/spillway/internal/metrics"
	"github.com/tinytelemetry/spillway/internal/model"
	"github.com/tinytelemetry/spillway/internal/secretstore"
)

const (
	defaultTTL          = model.DefaultSecretTTL
	defaultFetchTimeout = 5 * time.Second
	refreshKey          = "refresh"
)

// Config holds tunable cache parameters.
type Config struct {
	TTL          time.Duration
	FetchTimeout time.Duration
}

// Cache holds one secret value. The value is never logged or rendered.
type Cache struct {
	fetcher      secretstore.Fetcher
	name         string
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu        sync.RWMutex
	value     string
	fetchedAt time.Time
	valid     bool

	group singleflight.Group
}

// New creates a cache for the named secret. Nothing is fetched until the
// first Get.
func New(fetcher secretstore.Fetcher, name string, conf ...Config) *Cache {
	ttl := defaultTTL
	fetchTimeout := defaultFetchTimeout
	if len(conf) > 0 {
		if conf[0].TTL > 0 {
			ttl = conf[0].TTL
		}
		if conf[0].FetchTimeout > 0 {
			fetchTimeout = conf[0].FetchTimeout
		}
	}
	return &Cache{
		fetcher:      fetcher,
		name:         name,
		ttl:          ttl,
		fetchTimeout: fetchTimeout,
		now:          time.Now,
	}
}

// Get returns the cached secret while it is younger than the TTL, otherwise
// refreshes it. Concurrent callers share one in-flight refresh; each caller
// still returns early if its own ctx ends first. An expired value is never
// served when the refresh fails.
func (c *Cache) Get(ctx context.Context) (string, error) {
	if v, ok := c.fresh(); ok {
		metrics.SecretCacheHitsTotal.Inc()
		return v, nil
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		// A caller that queued behind a just-finished refresh sees it here.
		if v, ok := c.fresh(); ok {
			return v, nil
		}
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", model.ErrSecretUnavailable, ctx.Err())
	}
}

// Invalidate drops the cached value so the next Get refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.value = ""
	c.mu.Unlock()
}

func (c *Cache) fresh() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.valid || c.now().Sub(c.fetchedAt) >= c.ttl {
		return "", false
	}
	return c.value, true
}

func (c *Cache) refresh(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	v, err := c.fetcher.FetchSecret(ctx, c.name)
	if err != nil {
		metrics.SecretFetchesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: %v", model.ErrSecretUnavailable, err)
	}
	metrics.SecretFetchesTotal.WithLabelValues("ok").Inc()

	c.mu.Lock()
	c.value = v
	c.fetchedAt = c.now()
	c.valid = true
	c.mu.Unlock()
	return v, nil
}
