package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for the
// ingestion pipeline: downloads, deduplication, archive extraction, IOC
// discovery, job outcomes, and the metrics endpoint's own HTTP traffic. A
// RWMutex coordinates concurrent writers; the two gauges use atomics so
// ActiveWorkers/QueueDepth readers never block on the maps.
type Recorder struct {
	mu sync.RWMutex

	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration

	downloadEvents   map[string]uint64
	dedupSkipped     map[string]uint64
	extractEvents    map[string]uint64
	indicatorsByType map[string]uint64
	jobsCompleted    uint64
	jobsFailed       map[string]uint64
	truncatedLines   uint64

	activeWorkers atomic.Int64
	queueDepth    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		downloadEvents:   make(map[string]uint64),
		dedupSkipped:     make(map[string]uint64),
		extractEvents:    make(map[string]uint64),
		indicatorsByType: make(map[string]uint64),
		jobsFailed:       make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared by packages that
// don't hold their own Recorder (mainly the optional metrics HTTP listener).
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records a request against the metrics/health HTTP listener
// itself, normalizing method case and status code into a label.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// DownloadStarted records a download_start event for an artifact fetch.
func (r *Recorder) DownloadStarted() {
	r.incrementNamed(r.downloadEvents, "start")
}

// DownloadCompleted records a download_complete event.
func (r *Recorder) DownloadCompleted() {
	r.incrementNamed(r.downloadEvents, "complete")
}

// DownloadRetried records a download_retry event, one per retry attempt.
func (r *Recorder) DownloadRetried() {
	r.incrementNamed(r.downloadEvents, "retry")
}

// SkippedDuplicatePre records a pre-download dedup hit (external ref already
// seen).
func (r *Recorder) SkippedDuplicatePre() {
	r.incrementNamed(r.dedupSkipped, "pre")
}

// SkippedDuplicatePost records a post-download dedup hit (content hash
// already stored).
func (r *Recorder) SkippedDuplicatePost() {
	r.incrementNamed(r.dedupSkipped, "post")
}

// ExtractStarted records an extract_start event.
func (r *Recorder) ExtractStarted() {
	r.incrementNamed(r.extractEvents, "start")
}

// ExtractCompleted records an extract_complete event.
func (r *Recorder) ExtractCompleted() {
	r.incrementNamed(r.extractEvents, "complete")
}

// ExtractPasswordRequired records an extract_password_required event.
func (r *Recorder) ExtractPasswordRequired() {
	r.incrementNamed(r.extractEvents, "password_required")
}

// ExtractUnsafeMember records an extract_unsafe_member event (path traversal
// or disallowed member type).
func (r *Recorder) ExtractUnsafeMember() {
	r.incrementNamed(r.extractEvents, "unsafe_member")
}

// ExtractBombAborted records an extract_bomb_aborted event (decompression
// ceiling tripped).
func (r *Recorder) ExtractBombAborted() {
	r.incrementNamed(r.extractEvents, "bomb_aborted")
}

// IndicatorsFound records count new ExtractedIndicator rows of the given
// type discovered in a single scan.
func (r *Recorder) IndicatorsFound(indicatorType string, count int) {
	if count <= 0 {
		return
	}
	normalized := normalizeName(indicatorType)
	r.mu.Lock()
	r.indicatorsByType[normalized] += uint64(count)
	r.mu.Unlock()
}

// TruncatedLine records that the IOC Scanner had to cut an over-length line
// short.
func (r *Recorder) TruncatedLine() {
	r.TruncatedLines(1)
}

// TruncatedLines records n lines cut short during a single scan.
func (r *Recorder) TruncatedLines(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.truncatedLines += uint64(n)
	r.mu.Unlock()
}

// JobCompleted records a job reaching the completed status.
func (r *Recorder) JobCompleted() {
	r.mu.Lock()
	r.jobsCompleted++
	r.mu.Unlock()
}

// JobFailed records a job_failed event tagged with its error class.
func (r *Recorder) JobFailed(errorClass string) {
	r.incrementNamed(r.jobsFailed, errorClass)
}

// SetActiveWorkers updates the gauge of workers currently processing a job.
func (r *Recorder) SetActiveWorkers(n int) {
	r.activeWorkers.Store(int64(n))
}

// SetQueueDepth updates the gauge of jobs currently buffered in the Job
// Queue.
func (r *Recorder) SetQueueDepth(n int) {
	r.queueDepth.Store(int64(n))
}

// ActiveWorkers exposes the current active-worker gauge.
func (r *Recorder) ActiveWorkers() int64 {
	return r.activeWorkers.Load()
}

// QueueDepth exposes the current queue-depth gauge.
func (r *Recorder) QueueDepth() int64 {
	return r.queueDepth.Load()
}

func (r *Recorder) incrementNamed(counters map[string]uint64, name string) {
	normalized := normalizeName(name)
	r.mu.Lock()
	counters[normalized]++
	r.mu.Unlock()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.downloadEvents = make(map[string]uint64)
	r.dedupSkipped = make(map[string]uint64)
	r.extractEvents = make(map[string]uint64)
	r.indicatorsByType = make(map[string]uint64)
	r.jobsFailed = make(map[string]uint64)
	r.jobsCompleted = 0
	r.truncatedLines = 0
	r.activeWorkers.Store(0)
	r.queueDepth.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output across scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	downloadEvents := sortedKeys(r.downloadEvents)
	dedupStages := sortedKeys(r.dedupSkipped)
	extractEvents := sortedKeys(r.extractEvents)
	indicatorTypes := sortedKeys(r.indicatorsByType)
	jobFailureClasses := sortedKeys(r.jobsFailed)

	fmt.Fprintln(w, "# HELP telecap_http_requests_total Total number of HTTP requests processed by the metrics listener")
	fmt.Fprintln(w, "# TYPE telecap_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "telecap_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP telecap_downloads_total Download lifecycle events by type")
	fmt.Fprintln(w, "# TYPE telecap_downloads_total counter")
	for _, event := range downloadEvents {
		fmt.Fprintf(w, "telecap_downloads_total{event=\"%s\"} %d\n", event, r.downloadEvents[event])
	}

	fmt.Fprintln(w, "# HELP telecap_duplicates_skipped_total Jobs skipped by deduplication stage")
	fmt.Fprintln(w, "# TYPE telecap_duplicates_skipped_total counter")
	for _, stage := range dedupStages {
		fmt.Fprintf(w, "telecap_duplicates_skipped_total{stage=\"%s\"} %d\n", stage, r.dedupSkipped[stage])
	}

	fmt.Fprintln(w, "# HELP telecap_extract_events_total Archive extraction events by type")
	fmt.Fprintln(w, "# TYPE telecap_extract_events_total counter")
	for _, event := range extractEvents {
		fmt.Fprintf(w, "telecap_extract_events_total{event=\"%s\"} %d\n", event, r.extractEvents[event])
	}

	fmt.Fprintln(w, "# HELP telecap_indicators_found_total Extracted indicators by type")
	fmt.Fprintln(w, "# TYPE telecap_indicators_found_total counter")
	for _, indicatorType := range indicatorTypes {
		fmt.Fprintf(w, "telecap_indicators_found_total{type=\"%s\"} %d\n", indicatorType, r.indicatorsByType[indicatorType])
	}

	fmt.Fprintln(w, "# HELP telecap_scanner_truncated_lines_total Lines truncated by the IOC scanner for exceeding the length ceiling")
	fmt.Fprintln(w, "# TYPE telecap_scanner_truncated_lines_total counter")
	fmt.Fprintf(w, "telecap_scanner_truncated_lines_total %d\n", r.truncatedLines)

	fmt.Fprintln(w, "# HELP telecap_jobs_completed_total Total jobs that reached the completed status")
	fmt.Fprintln(w, "# TYPE telecap_jobs_completed_total counter")
	fmt.Fprintf(w, "telecap_jobs_completed_total %d\n", r.jobsCompleted)

	fmt.Fprintln(w, "# HELP telecap_jobs_failed_total Total jobs that reached the failed status, by error class")
	fmt.Fprintln(w, "# TYPE telecap_jobs_failed_total counter")
	for _, class := range jobFailureClasses {
		fmt.Fprintf(w, "telecap_jobs_failed_total{error_class=\"%s\"} %d\n", class, r.jobsFailed[class])
	}

	fmt.Fprintln(w, "# HELP telecap_active_workers Current number of workers processing a job")
	fmt.Fprintln(w, "# TYPE telecap_active_workers gauge")
	fmt.Fprintf(w, "telecap_active_workers %d\n", r.activeWorkers.Load())

	fmt.Fprintln(w, "# HELP telecap_queue_depth Current number of jobs buffered in the job queue")
	fmt.Fprintln(w, "# TYPE telecap_queue_depth gauge")
	fmt.Fprintf(w, "telecap_queue_depth %d\n", r.queueDepth.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
