package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/spillway/internal/auth"
	"github.com/tinytelemetry/spillway/internal/buffer"
	"github.com/tinytelemetry/spillway/internal/delivery"
	"github.com/tinytelemetry/spillway/internal/duckdb"
	"github.com/tinytelemetry/spillway/internal/httpserver"
	"github.com/tinytelemetry/spillway/internal/journal"
	"github.com/tinytelemetry/spillway/internal/metrics"
	"github.com/tinytelemetry/spillway/internal/model"
	"github.com/tinytelemetry/spillway/internal/normalize"
	"github.com/tinytelemetry/spillway/internal/objstore"
	"github.com/tinytelemetry/spillway/internal/secretcache"
	"github.com/tinytelemetry/spillway/internal/secretstore"
)

// runServer wires the ingest pipeline and serves until SIGINT/SIGTERM, then
// drains buffered records within the shutdown timeout.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger(cfg.LogFile)
	defer cleanupLogger()

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStart()

	fetcher, err := newSecretFetcher(startCtx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize secret store: %w", err)
	}
	secrets := secretcache.New(fetcher, cfg.SecretName, secretcache.Config{
		TTL:          cfg.SecretTTL,
		FetchTimeout: cfg.SecretFetchTimeout,
	})
	if _, err := secrets.Get(startCtx); err != nil {
		// Not fatal: requests answer 500 until the secret store is reachable.
		log.Printf("server: initial secret fetch failed: %v", err)
	}

	store, err := newObjectStore(startCtx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	sink := delivery.NewSink(store.putter, delivery.Config{
		Channel:        cfg.DeliveryChannel,
		Prefix:         store.prefix,
		Compression:    cfg.DeliveryCompression,
		MaxAttempts:    cfg.DeliveryMaxAttempts,
		InitialBackoff: cfg.DeliveryInitialBackoff,
		MaxBackoff:     cfg.DeliveryMaxBackoff,
	})

	// Uncommitted journal records are delivered before new traffic is accepted.
	var bufJournal buffer.Journal
	if cfg.JournalEnabled {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open ingest journal: %w", err)
		}
		if err := replayUncommittedJournal(startCtx, j, sink, cfg.BufferSizeThreshold); err != nil {
			_ = j.Close()
			return fmt.Errorf("failed to replay ingest journal: %w", err)
		}
		bufJournal = j
	}

	engine := buffer.NewEngine(sink, buffer.Config{
		SizeThreshold: cfg.BufferSizeThreshold,
		TimeThreshold: cfg.BufferTimeThreshold,
		CheckInterval: cfg.FlushCheckInterval,
		QueueSize:     cfg.DeliveryQueueSize,
		Workers:       cfg.DeliveryWorkers,
		Journal:       bufJournal,
	})
	drain := func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := engine.Drain(drainCtx); err != nil {
			log.Printf("server: drain did not finish: %v", err)
		}
		st := engine.Stats()
		log.Printf("server: stopped (sealed=%d delivered=%d failed=%d)", st.Sealed, st.Delivered, st.Failed)
	}

	httpCfg := httpserver.Config{
		Addr:           cfg.APIAddr,
		IngestPath:     cfg.IngestPath,
		AuthHeader:     cfg.AuthHeader,
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Objects:        store.objects,
	}
	if cfg.MetricsEnabled {
		httpCfg.Metrics = promhttp.HandlerFor(metrics.Init(), promhttp.HandlerOpts{})
	}
	apiServer := httpserver.NewServer(httpCfg, auth.NewGate(secrets), normalize.New(), engine)
	if err := apiServer.Start(); err != nil {
		drain()
		return fmt.Errorf("failed to start API server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(cfg.RequestTimeout + cfg.ShutdownTimeout + 5*time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg)
	log.Printf("server: listening on %s%s (sink=%s channel=%s)", cfg.APIAddr, cfg.IngestPath, cfg.Sink, sink.Channel())

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	tasks := []func(context.Context) error{
		func(ctx context.Context) error { return invalidateOnHangup(ctx, hupCh, secrets) },
	}
	if store.sweeper != nil {
		tasks = append(tasks, store.sweeper.Run)
	}

	runErr := runServices(ctx, apiServer, cfg.RequestTimeout, tasks...)
	if runErr != nil {
		log.Printf("server: %v; shutting down", runErr)
	}
	drain()
	return runErr
}

// httpService is the part of the API server the run group drives.
type httpService interface {
	Serve() error
	Stop(ctx context.Context) error
}

// runServices serves HTTP and runs tasks until ctx is done or any of them
// fails, then stops the HTTP server. It returns the first failure.
func runServices(ctx context.Context, api httpService, stopTimeout time.Duration, tasks ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(api.Serve)
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := api.Stop(stopCtx); err != nil {
			log.Printf("server: http shutdown: %v", err)
		}
		return nil
	})

	return g.Wait()
}

// invalidateOnHangup drops the cached secret for every signal on hup (SIGHUP)
// so a rotated key is picked up without waiting for the TTL.
func invalidateOnHangup(ctx context.Context, hup <-chan os.Signal, secrets *secretcache.Cache) error {
	for {
		select {
		case <-hup:
			secrets.Invalidate()
			log.Printf("server: SIGHUP, secret cache invalidated")
		case <-ctx.Done():
			return nil
		}
	}
}

func newSecretFetcher(ctx context.Context, cfg appConfig) (secretstore.Fetcher, error) {
	switch cfg.SecretProvider {
	case "env":
		return secretstore.NewEnv(), nil
	default:
		return secretstore.NewAWS(ctx, secretstore.AWSConfig{
			Options: cfg.awsOptions(),
			UseSSL:  cfg.AWSUseSSL,
			JSONKey: cfg.SecretJSONKey,
		})
	}
}

// storage is the configured durable store plus what the server needs around
// it: the key prefix, an optional read-back surface, and the local tier sweeper.
type storage struct {
	putter  model.ObjectPutter
	prefix  string
	objects httpserver.ObjectBrowser
	sweeper *duckdb.TierSweeper
	close   func()
}

// newObjectStore opens the configured store. Tier policy is applied here: as a
// bucket lifecycle rule for S3, or as a local sweeper for DuckDB.
func newObjectStore(ctx context.Context, cfg appConfig) (storage, error) {
	policy := cfg.tierPolicy()

	switch cfg.Sink {
	case "duckdb":
		store, err := duckdb.NewStore(cfg.DBPath)
		if err != nil {
			return storage{}, fmt.Errorf("failed to initialize DuckDB: %w", err)
		}
		st := storage{
			putter:  store,
			objects: store,
			close:   func() { _ = store.Close() },
		}
		if cfg.TierEnabled {
			st.sweeper = duckdb.NewTierSweeper(store, policy, duckdb.TierSweeperConfig{
				Interval: cfg.TierSweepInterval,
			})
		}
		return st, nil

	default:
		store, err := objstore.NewS3(ctx, objstore.S3Config{
			Options:   cfg.awsOptions(),
			BucketURL: cfg.BucketURL,
			UseSSL:    cfg.AWSUseSSL,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return storage{}, fmt.Errorf("failed to initialize S3: %w", err)
		}
		if cfg.TierEnabled {
			if err := store.ApplyTierPolicy(ctx, cfg.DeliveryChannel, policy); err != nil {
				// Delivery does not depend on tiering; keep serving.
				log.Printf("server: tier policy not applied: %v", err)
			} else {
				log.Printf("server: tier policy %s applied to s3://%s", policy, store.Bucket())
			}
		}
		return storage{putter: store, prefix: store.Prefix(), close: func() {}}, nil
	}
}

// replayUncommittedJournal delivers journaled records that never reached a
// terminal state, in segments no larger than the size threshold, and commits
// each segment once it is delivered.
func replayUncommittedJournal(ctx context.Context, j *journal.Journal, sink buffer.Deliverer, sizeLimit int64) error {
	var (
		lines    [][]byte
		size     int64
		maxSeq   uint64
		replayed int
		openedAt = time.Now()
	)

	flush := func() error {
		if len(lines) == 0 {
			return nil
		}
		seg := buffer.NewSealedSegment(lines, openedAt, time.Now())
		if err := sink.Write(ctx, seg); err != nil {
			return fmt.Errorf("deliver replayed segment %s: %w", seg.ID, err)
		}
		if err := j.Commit(maxSeq); err != nil {
			return err
		}
		replayed += len(lines)
		lines, size = nil, 0
		openedAt = time.Now()
		return nil
	}

	_, err := j.Replay(func(seq uint64, record model.Record) error {
		line, err := record.Encode()
		if err != nil {
			return err
		}
		lines = append(lines, line)
		size += int64(len(line))
		maxSeq = seq
		if size >= sizeLimit {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	if replayed > 0 {
		log.Printf("ingest journal: replayed %d uncommitted records (committed through seq %d)", replayed, j.Committed())
	}
	return nil
}

// configureRuntimeLogger sends the standard logger to path, or stderr when
// path is empty or cannot be opened.
func configureRuntimeLogger(path string) func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stderr)
	if path == "" {
		return func() {}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("server: log dir: %v; logging to stderr", err)
		return func() {}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("server: log file: %v; logging to stderr", err)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		_ = f.Close()
	}
}
