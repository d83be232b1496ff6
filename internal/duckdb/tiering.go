package duckdb

import (
	"context"
	"log"
	"time"

	"github.com/tinytelemetry/spillway/internal/metrics"
	"github.com/tinytelemetry/spillway/internal/tiering"
)

// TierSweeperConfig holds configuration for the tier sweeper.
type TierSweeperConfig struct {
	Interval time.Duration
}

// TierSweeper periodically applies a tiering policy to the local store, the
// way a bucket lifecycle rule does for S3.
type TierSweeper struct {
	store    *Store
	policy   tiering.Policy
	interval time.Duration
}

// NewTierSweeper creates a sweeper for policy. Returns nil when the policy has
// no transitions.
func NewTierSweeper(store *Store, policy tiering.Policy, conf ...TierSweeperConfig) *TierSweeper {
	if len(policy.Transitions) == 0 {
		return nil
	}
	interval := time.Hour
	if len(conf) > 0 && conf[0].Interval > 0 {
		interval = conf[0].Interval
	}
	return &TierSweeper{
		store:    store,
		policy:   policy,
		interval: interval,
	}
}

// Run sweeps once immediately to catch up after downtime, then every
// interval until ctx is done.
func (ts *TierSweeper) Run(ctx context.Context) error {
	ts.Sweep(ctx)

	ticker := time.NewTicker(ts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ts.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep moves every object into the class its age calls for and returns the
// number of objects moved. Later transitions run first so an object skips
// straight to its final class.
func (ts *TierSweeper) Sweep(ctx context.Context) int64 {
	now := ts.store.now()
	var total int64
	for i := len(ts.policy.Transitions) - 1; i >= 0; i-- {
		t := ts.policy.Transitions[i]
		from := []string{tiering.ClassStandard}
		for _, earlier := range ts.policy.Transitions[:i] {
			from = append(from, earlier.Class)
		}
		cutoff := now.Add(-t.Age())

		n, err := ts.store.TransitionOlderThan(ctx, cutoff, t.Class, from)
		if err != nil {
			log.Printf("duckdb: tier sweep error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		total += n
		metrics.TierTransitionsTotal.WithLabelValues(t.Class).Add(float64(n))
		if err := ts.store.recordSweep(ctx, t.Class, n); err != nil {
			log.Printf("duckdb: record tier sweep: %v", err)
		}
		log.Printf("duckdb: tier sweep moved %d objects to %s (older than %d days)", n, t.Class, t.AfterDays)
	}
	return total
}
