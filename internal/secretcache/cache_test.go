package secretcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinytelemetry/spillway/internal/model"
)

type fakeFetcher struct {
	mu     sync.Mutex
	value  string
	err    error
	calls  atomic.Int64
	gate   chan struct{} // when non-nil, fetches block until closed
	inside chan struct{} // receives once per fetch start
}

func (f *fakeFetcher) FetchSecret(ctx context.Context, _ string) (string, error) {
	f.calls.Add(1)
	if f.inside != nil {
		f.inside <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.value, nil
}

func (f *fakeFetcher) set(value string, err error) {
	f.mu.Lock()
	f.value, f.err = value, err
	f.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(f *fakeFetcher) (*Cache, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(f, "ingest-key", Config{TTL: 5 * time.Minute, FetchTimeout: time.Second})
	c.now = clk.Now
	return c, clk
}

func TestGet_CachesWithinTTL(t *testing.T) {
	f := &fakeFetcher{value: "xyz"}
	c, clk := newTestCache(f)

	for i := 0; i < 3; i++ {
		got, err := c.Get(context.Background())
		if err != nil || got != "xyz" {
			t.Fatalf("Get #%d = %q, %v", i, got, err)
		}
		clk.Advance(time.Minute)
	}
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fetch calls = %d, want 1", n)
	}
}

func TestGet_RefreshesAfterTTL(t *testing.T) {
	f := &fakeFetcher{value: "old"}
	c, clk := newTestCache(f)

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	f.set("new", nil)
	clk.Advance(5 * time.Minute)

	got, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get after ttl: %v", err)
	}
	if got != "new" {
		t.Fatalf("secret = %q, want new", got)
	}
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("fetch calls = %d, want 2", n)
	}
}

func TestGet_NoCacheAndFetchFails(t *testing.T) {
	f := &fakeFetcher{err: errors.New("unreachable")}
	c, _ := newTestCache(f)

	_, err := c.Get(context.Background())
	if !errors.Is(err, model.ErrSecretUnavailable) {
		t.Fatalf("err = %v, want ErrSecretUnavailable", err)
	}
}

func TestGet_DoesNotServeExpiredValueOnFailure(t *testing.T) {
	f := &fakeFetcher{value: "xyz"}
	c, clk := newTestCache(f)

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	f.set("", errors.New("unreachable"))
	clk.Advance(6 * time.Minute)

	if _, err := c.Get(context.Background()); !errors.Is(err, model.ErrSecretUnavailable) {
		t.Fatalf("err = %v, want ErrSecretUnavailable", err)
	}

	// A failed refresh does not poison later lookups.
	f.set("recovered", nil)
	got, err := c.Get(context.Background())
	if err != nil || got != "recovered" {
		t.Fatalf("Get after recovery = %q, %v", got, err)
	}
}

func TestGet_CoalescesConcurrentRefresh(t *testing.T) {
	f := &fakeFetcher{value: "xyz", gate: make(chan struct{}), inside: make(chan struct{}, 64)}
	c, _ := newTestCache(f)

	const n = 50
	var wg sync.WaitGroup
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background())
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			results <- v
		}()
	}

	<-f.inside
	// Give the remaining callers time to pile onto the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()
	close(results)

	for v := range results {
		if v != "xyz" {
			t.Fatalf("secret = %q, want xyz", v)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}
}

func TestGet_CallerDeadlineDoesNotCancelSharedFetch(t *testing.T) {
	f := &fakeFetcher{value: "xyz", gate: make(chan struct{}), inside: make(chan struct{}, 4)}
	c, _ := newTestCache(f)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Get(ctx); !errors.Is(err, model.ErrSecretUnavailable) {
		t.Fatalf("impatient Get err = %v, want ErrSecretUnavailable", err)
	}

	done := make(chan string, 1)
	go func() {
		v, _ := c.Get(context.Background())
		done <- v
	}()
	close(f.gate)

	select {
	case v := <-done:
		if v != "xyz" {
			t.Fatalf("secret = %q, want xyz", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("patient Get did not return")
	}
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}
}

func TestInvalidate(t *testing.T) {
	f := &fakeFetcher{value: "xyz"}
	c, _ := newTestCache(f)

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Invalidate()
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := f.calls.Load(); got != 2 {
		t.Fatalf("fetch calls = %d, want 2", got)
	}
}
