// Package supervisor boots the ingestion pipeline's components in
// dependency order and owns the shutdown sequence: construct the datastore,
// wire dependent subsystems, start background goroutines, then wait on a
// signal or failure channel and unwind in reverse.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prohibitedtv/telecap/internal/archive"
	"github.com/prohibitedtv/telecap/internal/config"
	"github.com/prohibitedtv/telecap/internal/contentstore"
	"github.com/prohibitedtv/telecap/internal/dedupcache"
	"github.com/prohibitedtv/telecap/internal/errs"
	"github.com/prohibitedtv/telecap/internal/ioc"
	"github.com/prohibitedtv/telecap/internal/listener"
	"github.com/prohibitedtv/telecap/internal/observability/logging"
	"github.com/prohibitedtv/telecap/internal/observability/metrics"
	"github.com/prohibitedtv/telecap/internal/platform"
	"github.com/prohibitedtv/telecap/internal/queue"
	"github.com/prohibitedtv/telecap/internal/repository"
	"github.com/prohibitedtv/telecap/internal/retry"
	"github.com/prohibitedtv/telecap/internal/serverutil"
	"github.com/prohibitedtv/telecap/internal/worker"
)

// Supervisor owns the lifecycle of every pipeline component.
type Supervisor struct {
	cfg      config.Config
	log      *slog.Logger
	rec      *metrics.Recorder
	repo     *repository.Repository
	store    *contentstore.Store
	q        *queue.Queue
	pool     *worker.Pool
	listener *listener.Listener
	platform platform.Client
}

// New boots the Repository, Content Store, Job Queue, Worker Pool, and
// Listener in that order, leaves before the components that consume them, and
// returns a Supervisor ready to Run. Any failure during boot tears down the
// components already opened before returning the error.
func New(ctx context.Context, cfg config.Config, platformClient platform.Client, logger *slog.Logger) (*Supervisor, error) {
	if platformClient == nil {
		return nil, errs.Newf(errs.ClassConfigInvalid, "supervisor: a platform client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rec := metrics.Default()

	repo, err := repository.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	store, err := contentstore.New(cfg.StoragePath)
	if err != nil {
		repo.Close()
		return nil, err
	}

	q := queue.New(cfg.QueueCapacity)

	dedup, err := dedupcache.New(cfg.DedupCacheAddr)
	if err != nil {
		repo.Close()
		return nil, err
	}

	scanner := ioc.New(ioc.Patterns{
		DomainSuffixes: cfg.IOCDomains,
		EmailSuffixes:  cfg.IOCEmails,
		IPv4Networks:   cfg.IOCIPv4CIDRs,
	})

	archiveOpts := archive.Options{
		MaxDecompressedBytes:  cfg.MaxDecompressedBytes,
		MaxDecompressionRatio: cfg.MaxDecompressionRatio,
	}

	downloadBackoff := retry.Backoff{Base: time.Second, Cap: 60 * time.Second, MaxAttempts: cfg.DownloadMaxRetries}

	// Extraction scratch space lives beside the store root, on the same
	// filesystem, so temp files and hardlinks never cross a mount boundary.
	tempDir := cfg.StoragePath + "-tmp"
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		repo.Close()
		return nil, errs.New(errs.ClassStorageIO, fmt.Errorf("create extraction temp root: %w", err))
	}

	pool, err := worker.New(worker.Config{
		WorkerCount:  cfg.WorkerCount,
		Queue:        q,
		Repository:   repo,
		ContentStore: store,
		Platform:     platformClient,
		DedupCache:   dedup,
		Scanner:      scanner,
		ArchiveOpts:  archiveOpts,
		Backoff:      downloadBackoff,
		TempDir:      tempDir,
		Logger:       logger,
		Metrics:      rec,
	})
	if err != nil {
		repo.Close()
		return nil, err
	}

	channelIDs, err := resolveChannelIDs(cfg.TelegramChannels)
	if err != nil {
		repo.Close()
		return nil, err
	}

	l, err := listener.New(listener.Config{
		Platform:   platformClient,
		Queue:      q,
		ChannelIDs: channelIDs,
		Backoff:    retry.DefaultBackoff,
		Logger:     logging.WithComponent(logger, "listener"),
		Metrics:    rec,
	})
	if err != nil {
		repo.Close()
		return nil, err
	}

	return &Supervisor{
		cfg:      cfg,
		log:      logging.WithComponent(logger, "supervisor"),
		rec:      rec,
		repo:     repo,
		store:    store,
		q:        q,
		pool:     pool,
		listener: l,
		platform: platformClient,
	}, nil
}

// Run starts the Worker Pool and Listener and blocks until ctx is
// cancelled. On cancellation it stops the Listener first, gives the Job
// Queue up to ShutdownGrace to drain into completed or failed jobs, then
// cancels any still in-flight worker downloads, closes the Repository, and
// returns.
func (s *Supervisor) Run(ctx context.Context) error {
	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	defer cancelMetrics()
	metricsDone := s.startMetricsServer(metricsCtx)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		s.pool.Run(workerCtx)
	}()

	listenerCtx, cancelListener := context.WithCancel(context.Background())
	listenerDone := make(chan error, 1)
	go func() { listenerDone <- s.listener.Run(listenerCtx) }()

	s.log.Info("supervisor_started", "workers", s.cfg.WorkerCount, "queue_capacity", s.q.Cap())

	select {
	case <-ctx.Done():
		s.log.Info("shutdown_signal_received")
	case err := <-listenerDone:
		s.log.Error("listener_stopped_unexpectedly", "error", err)
		listenerDone = nil
	}

	cancelListener()
	if listenerDone != nil {
		<-listenerDone
	}
	s.log.Info("listener_stopped")

	s.drainQueue(workerCtx)

	cancelWorkers()
	workers.Wait()
	s.log.Info("workers_stopped")

	if err := s.platform.Close(); err != nil {
		s.log.Warn("platform_close_failed", "error", err)
	}

	cancelMetrics()
	if metricsDone != nil {
		<-metricsDone
	}

	s.repo.Close()
	s.log.Info("supervisor_stopped")
	return nil
}

// startMetricsServer starts the Prometheus text-exposition endpoint when
// cfg.MetricsAddr is configured, delegating the listen/graceful-shutdown
// sequencing to serverutil.Run. Returns nil when no address is configured;
// otherwise a channel closed once the server has fully stopped.
func (s *Supervisor) startMetricsServer(ctx context.Context) <-chan struct{} {
	if s.cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPMiddleware(s.rec, s.rec.Handler()))

	srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := serverutil.Run(ctx, serverutil.Config{Server: srv, ShutdownTimeout: 5 * time.Second})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("metrics_server_stopped", "error", err)
		}
	}()
	s.log.Info("metrics_server_started", "addr", s.cfg.MetricsAddr)
	return done
}

// drainQueue waits until the Job Queue is empty or ShutdownGrace elapses,
// whichever comes first. Workers keep consuming from workerCtx throughout;
// jobs still in flight when the grace window expires are abandoned to
// workerCtx's eventual cancellation in Run.
func (s *Supervisor) drainQueue(ctx context.Context) {
	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	deadline := time.After(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.q.Len() == 0 {
			return
		}
		select {
		case <-ticker.C:
		case <-deadline:
			s.log.Warn("shutdown_grace_exceeded", "remaining_jobs", s.q.Len())
			return
		case <-ctx.Done():
			return
		}
	}
}

// resolveChannelIDs parses the configured channel identifiers into the
// signed 64-bit IDs the platform.Client interface expects.
func resolveChannelIDs(raw []string) ([]int64, error) {
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		v = strings.TrimSpace(v)
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errs.Newf(errs.ClassConfigInvalid, "TELEGRAM_CHANNELS entry %q is not a valid channel id: %w", v, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
