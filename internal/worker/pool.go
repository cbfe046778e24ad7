// Package worker implements the fixed-size pool that drains the Job Queue
// and runs each job's per-step pipeline end to end: dedup check, download
// with backoff, hash + store, conditional extract + scan, persist, persist
// indicators, temp cleanup. One failing job never stalls the pool; the
// worker count also bounds concurrent downloads to the upstream platform
// via a weighted semaphore.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/prohibitedtv/telecap/internal/archive"
	"github.com/prohibitedtv/telecap/internal/contentstore"
	"github.com/prohibitedtv/telecap/internal/dedupcache"
	"github.com/prohibitedtv/telecap/internal/errs"
	"github.com/prohibitedtv/telecap/internal/ioc"
	"github.com/prohibitedtv/telecap/internal/model"
	"github.com/prohibitedtv/telecap/internal/observability/logging"
	"github.com/prohibitedtv/telecap/internal/observability/metrics"
	"github.com/prohibitedtv/telecap/internal/platform"
	"github.com/prohibitedtv/telecap/internal/queue"
	"github.com/prohibitedtv/telecap/internal/repository"
	"github.com/prohibitedtv/telecap/internal/retry"
)

// Repository is the subset of *repository.Repository the pool depends on,
// so tests can substitute a fake without a live Postgres instance.
type Repository interface {
	IsProcessed(ctx context.Context, telegramFileID string) (bool, error)
	BeginJob(ctx context.Context, jobID, telegramFileID string) error
	MarkJob(ctx context.Context, jobID string, status model.JobStatus, jobErr error) error
	CompleteJob(ctx context.Context, jobID string, file model.ProcessedFile) error
	UpsertIndicators(ctx context.Context, fileHash string, channelID int64, indicators []model.ExtractedIndicator) error
}

var _ Repository = (*repository.Repository)(nil)

// ContentStore is the subset of *contentstore.Store the pool depends on.
type ContentStore interface {
	PutStream(ctx context.Context, r io.Reader) (contentstore.Result, error)
	Open(relativePath string) (io.ReadCloser, error)
}

var _ ContentStore = (*contentstore.Store)(nil)

// Config carries everything a Pool needs to run, assembled once by the
// Supervisor at boot and never mutated afterward.
type Config struct {
	WorkerCount  int
	Queue        *queue.Queue
	Repository   Repository
	ContentStore ContentStore
	Platform     platform.Client
	DedupCache   *dedupcache.Cache
	Scanner      *ioc.Scanner
	ArchiveOpts  archive.Options
	Backoff      retry.Backoff
	TempDir      string
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Pool is the fixed-size worker pool draining the Job Queue.
type Pool struct {
	cfg    Config
	sem    *semaphore.Weighted
	log    *slog.Logger
	rec    *metrics.Recorder
	active atomic.Int64
}

// New constructs a Pool. WorkerCount must be positive.
func New(cfg Config) (*Pool, error) {
	if cfg.WorkerCount <= 0 {
		return nil, errs.Newf(errs.ClassConfigInvalid, "worker count must be positive, got %d", cfg.WorkerCount)
	}
	if cfg.Queue == nil || cfg.Repository == nil || cfg.ContentStore == nil || cfg.Platform == nil {
		return nil, errs.Newf(errs.ClassConfigInvalid, "worker pool requires queue, repository, content store, and platform client")
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = retry.DefaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	return &Pool{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.WorkerCount)),
		log: logging.WithComponent(logger, "worker"),
		rec: rec,
	}, nil
}

// Run starts WorkerCount goroutines draining the Job Queue, and blocks until
// every one of them returns — which happens once ctx is cancelled (jobs
// still buffered in the queue are then left unprocessed), or the queue is
// closed. Run never returns
// an error on its own: per-job failures are recorded, not surfaced here.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		id := i
		go func() {
			defer wg.Done()
			p.runWorker(ctx, id)
		}()
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	log := p.log.With("worker_id", id)
	for {
		job, err := p.cfg.Queue.Dequeue(ctx)
		if err != nil {
			return
		}
		p.rec.SetQueueDepth(p.cfg.Queue.Len())
		p.rec.SetActiveWorkers(int(p.active.Add(1)))
		p.processJob(ctx, log, job)
		p.rec.SetActiveWorkers(int(p.active.Add(-1)))
	}
}

// processJob runs the full pipeline for a single job. It never panics or
// propagates an error to the caller: every failure is classified, logged,
// and (where a job row exists) persisted as a failed ProcessingJob.
func (p *Pool) processJob(ctx context.Context, log *slog.Logger, job model.JobDescriptor) {
	ref := job.ExternalRef
	telegramFileID := ref.Token()

	if seen, err := p.isProcessed(ctx, telegramFileID); err != nil {
		log.Error("dedup check failed", "telegram_file_id", telegramFileID, "error", err)
	} else if seen {
		p.rec.SkippedDuplicatePre()
		log.Info("skipped_duplicate_pre", "telegram_file_id", telegramFileID)
		return
	}

	jobID := uuid.NewString()
	log = log.With("job_id", jobID, "telegram_file_id", telegramFileID)
	ctx = logging.ContextWithJobID(ctx, jobID)

	if err := p.cfg.Repository.BeginJob(ctx, jobID, telegramFileID); err != nil {
		log.Error("begin_job failed", "error", err)
		return
	}
	if err := p.cfg.Repository.MarkJob(ctx, jobID, model.JobProcessing, nil); err != nil {
		log.Error("mark_job processing failed", "error", err)
	}

	result, err := p.download(ctx, log, ref)
	if err != nil {
		p.failJob(ctx, log, jobID, err)
		return
	}
	if result.Deduplicated {
		p.rec.SkippedDuplicatePost()
		log.Info("skipped_duplicate_post", "file_hash", result.Hash)
	}

	// Archive extraction runs before the ProcessedFile row is committed: a
	// terminal extraction failure (password_required, unsafe_archive) must
	// leave no processed_files row behind, only a failed job, even though
	// the raw bytes are already durably content-addressed. Bytes staying in
	// the Content Store under their hash is harmless — the store is
	// content-addressed and keyed independently of any job outcome.
	var indicators []model.ExtractedIndicator
	if archive.Supported(job.Channel.Filename) {
		var ok bool
		indicators, ok = p.extractAndScan(ctx, log, jobID, job.Channel, result)
		if !ok {
			return
		}
	}

	file := model.ProcessedFile{
		TelegramFileID: telegramFileID,
		ChannelID:      job.Channel.ChannelID,
		ChannelTitle:   job.Channel.ChannelTitle,
		Filename:       job.Channel.Filename,
		SizeBytes:      result.SizeBytes,
		FileHash:       result.Hash,
		StoragePath:    result.RelativePath,
	}
	if err := p.cfg.Repository.CompleteJob(ctx, jobID, file); err != nil {
		p.failJob(ctx, log, jobID, err)
		return
	}
	if p.cfg.DedupCache != nil {
		if err := p.cfg.DedupCache.MarkSeen(telegramFileID); err != nil {
			log.Warn("dedup cache mark_seen failed", "error", err)
		}
	}
	p.rec.JobCompleted()
	log.Info("job_completed", "file_hash", result.Hash, "size_bytes", result.SizeBytes)

	if len(indicators) > 0 {
		p.persistIndicators(ctx, log, job.Channel, result, indicators)
	}
}

func (p *Pool) isProcessed(ctx context.Context, telegramFileID string) (bool, error) {
	if p.cfg.DedupCache != nil {
		if seen, err := p.cfg.DedupCache.Seen(telegramFileID); err == nil && seen {
			return true, nil
		}
	}
	return p.cfg.Repository.IsProcessed(ctx, telegramFileID)
}

func (p *Pool) failJob(ctx context.Context, log *slog.Logger, jobID string, err error) {
	class := errs.ClassOf(err)
	p.rec.JobFailed(string(class))
	log.Warn("job_failed", "error_class", class, "error", err)
	if markErr := p.cfg.Repository.MarkJob(ctx, jobID, model.JobFailed, err); markErr != nil {
		log.Error("mark_job failed failed", "error", markErr)
	}
}

// download bounds concurrent downloads to WorkerCount via the semaphore (on
// top of the natural bound of one download per worker goroutine, this keeps
// the invariant explicit and true even if a future caller drives several
// jobs per worker goroutine) and retries transient failures with capped
// exponential backoff.
func (p *Pool) download(ctx context.Context, log *slog.Logger, ref model.ExternalRef) (contentstore.Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return contentstore.Result{}, err
	}
	defer p.sem.Release(1)

	p.rec.DownloadStarted()
	log.Info("download_start")

	var result contentstore.Result
	err := retry.Do(ctx, p.cfg.Backoff, errs.IsRetryable, func(attempt int, retryErr error) {
		p.rec.DownloadRetried()
		log.Info("download_retry", "attempt", attempt, "error", retryErr)
	}, func(ctx context.Context) error {
		body, err := p.cfg.Platform.Download(ctx, ref)
		if err != nil {
			return err
		}
		defer body.Close()
		r, putErr := p.cfg.ContentStore.PutStream(ctx, body)
		if putErr != nil {
			return putErr
		}
		result = r
		return nil
	})
	if err != nil {
		return contentstore.Result{}, err
	}

	p.rec.DownloadCompleted()
	log.Info("download_complete", "file_hash", result.Hash, "size_bytes", result.SizeBytes)
	return result, nil
}

// extractAndScan unpacks the archive into an
// isolated temp directory and scan every .txt member for indicators. It
// returns the indicators found and ok=true when extraction completed (even
// with zero indicators); ok=false means extraction hit a terminal failure
// (unsafe_archive, password_required) that the caller must record as a
// failed job with no ProcessedFile row — the archive's contents were never
// safely mined, so the artifact is not considered ingested.
func (p *Pool) extractAndScan(ctx context.Context, log *slog.Logger, jobID string, channel model.ChannelMeta, stored contentstore.Result) ([]model.ExtractedIndicator, bool) {
	archivePath, cleanupSrc, err := p.materializeArchive(stored, channel.Filename)
	if err != nil {
		log.Warn("extract_start failed to materialize archive", "error", err)
		p.markExtractionFailed(ctx, log, jobID, errs.New(errs.ClassStorageIO, err))
		return nil, false
	}
	defer cleanupSrc()

	destDir, err := os.MkdirTemp(p.cfg.TempDir, "extract-"+jobID+"-")
	if err != nil {
		log.Warn("extract_start failed to create temp dir", "error", err)
		p.markExtractionFailed(ctx, log, jobID, errs.New(errs.ClassStorageIO, err))
		return nil, false
	}
	defer os.RemoveAll(destDir)

	p.rec.ExtractStarted()
	log.Info("extract_start", "archive", channel.Filename)

	extractor, err := archive.Open(archivePath, destDir, p.cfg.ArchiveOpts)
	if err != nil {
		log.Warn("extract_start open failed", "error", err)
		p.markExtractionFailed(ctx, log, jobID, err)
		return nil, false
	}
	defer extractor.Close()

	var indicators []model.ExtractedIndicator
	for {
		member, err := extractor.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, archive.ErrPasswordRequired) {
			p.rec.ExtractPasswordRequired()
			log.Warn("extract_password_required")
			p.markExtractionFailed(ctx, log, jobID, errs.New(errs.ClassPasswordRequired, err))
			return nil, false
		}
		if err != nil {
			if errs.ClassOf(err) == errs.ClassUnsafeArchive {
				if isBombError(err) {
					p.rec.ExtractBombAborted()
					log.Warn("extract_bomb_aborted", "error", err)
				} else {
					p.rec.ExtractUnsafeMember()
					log.Warn("extract_unsafe_member", "error", err)
				}
				p.markExtractionFailed(ctx, log, jobID, err)
				return nil, false
			}
			log.Warn("extraction aborted", "error", err)
			p.markExtractionFailed(ctx, log, jobID, errs.New(errs.ClassUnknown, err))
			return nil, false
		}

		if !ioc.Scannable(member.RelativePath) {
			continue
		}
		indicators = append(indicators, p.scanMember(log, member, stored, channel)...)
	}

	p.rec.ExtractCompleted()
	log.Info("extract_complete", "indicators_found", len(indicators))
	return indicators, true
}

// persistIndicators upserts the indicators found while mining an archive
// whose job has already committed. This follow-up write is safe to retry on
// its own — the composite uniqueness constraint absorbs replays — so a
// failure here never reopens the already-completed job.
func (p *Pool) persistIndicators(ctx context.Context, log *slog.Logger, channel model.ChannelMeta, stored contentstore.Result, indicators []model.ExtractedIndicator) {
	if err := p.cfg.Repository.UpsertIndicators(ctx, stored.Hash, channel.ChannelID, indicators); err != nil {
		log.Warn("upsert_indicators failed", "error", err)
		return
	}

	byType := make(map[model.IndicatorType]int)
	for _, ind := range indicators {
		byType[ind.IndicatorType]++
	}
	for t, n := range byType {
		p.rec.IndicatorsFound(string(t), n)
	}
	log.Info("indicators_found", "domain", byType[model.IndicatorDomain], "email", byType[model.IndicatorEmail], "ipv4", byType[model.IndicatorIPv4])
}

func (p *Pool) scanMember(log *slog.Logger, member archive.Member, stored contentstore.Result, channel model.ChannelMeta) []model.ExtractedIndicator {
	f, err := os.Open(member.DiskPath)
	if err != nil {
		log.Warn("failed to open extracted member for scanning", "member", member.RelativePath, "error", err)
		return nil
	}
	defer f.Close()

	now := time.Now().UTC()
	var found []model.ExtractedIndicator
	stats, err := p.cfg.Scanner.ScanFile(f, member.RelativePath, func(ind model.ExtractedIndicator) error {
		ind.SourceFileHash = stored.Hash
		ind.ChannelID = channel.ChannelID
		ind.FirstSeenAt = now
		ind.LastSeenAt = now
		found = append(found, ind)
		return nil
	})
	if err != nil {
		log.Warn("scan failed", "member", member.RelativePath, "error", err)
	}
	p.rec.TruncatedLines(stats.TruncatedLines)
	return found
}

// markExtractionFailed records a terminal, non-fatal extraction failure on
// the job row. It runs before CompleteJob, so the job is left in the
// failed state with no corresponding ProcessedFile row — the raw bytes
// remain in the Content Store under their hash, but the artifact is not
// considered ingested.
func (p *Pool) markExtractionFailed(ctx context.Context, log *slog.Logger, jobID string, err error) {
	if markErr := p.cfg.Repository.MarkJob(ctx, jobID, model.JobFailed, err); markErr != nil {
		log.Error("mark_job failed (extraction) failed", "error", markErr)
	}
}

// materializeArchive copies the stored artifact's bytes out to a real file
// on disk, since the archive readers (archive/zip, rardecode) both require
// file-backed random access rather than an arbitrary io.Reader. The copy
// keeps filename's extension, since archive.Open picks the format by suffix.
func (p *Pool) materializeArchive(stored contentstore.Result, filename string) (path string, cleanup func(), err error) {
	src, err := p.cfg.ContentStore.Open(stored.RelativePath)
	if err != nil {
		return "", nil, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(p.cfg.TempDir, "archive-src-*"+strings.ToLower(filepath.Ext(filename)))
	if err != nil {
		return "", nil, err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

// isBombError distinguishes the decompression-bomb guard trips from other
// unsafe_archive failures (path traversal, disallowed member) so the
// extract_bomb_aborted event fires only for the former.
func isBombError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "decompression ratio guard") ||
		strings.Contains(msg, "decompressed size") ||
		strings.Contains(msg, "decompression ceiling")
}
