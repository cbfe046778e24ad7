package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{name: "root path", method: "get", path: "/", status: 200, duration: 50 * time.Millisecond},
		{name: "empty path", method: "GET", path: "", status: 200, duration: 25 * time.Millisecond},
		{name: "id segment", method: "post", path: "/jobs/123", status: 201, duration: 100 * time.Millisecond},
		{name: "trailing slash and alpha id", method: "POST", path: "/jobs/abc123def/", status: 201, duration: 50 * time.Millisecond},
		{name: "multi ids", method: "PATCH", path: "files/abc/456/extra", status: 404, duration: 10 * time.Millisecond},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		if got := recorder.requestCount[label]; got != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, got, expected.count)
		}
		if got := recorder.requestDuration[label]; got != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, got, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}
	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestDownloadAndDedupCounters(t *testing.T) {
	recorder := New()

	recorder.DownloadStarted()
	recorder.DownloadStarted()
	recorder.DownloadCompleted()
	recorder.DownloadRetried()
	recorder.SkippedDuplicatePre()
	recorder.SkippedDuplicatePre()
	recorder.SkippedDuplicatePost()

	if got := recorder.downloadEvents["start"]; got != 2 {
		t.Fatalf("expected 2 download starts, got %d", got)
	}
	if got := recorder.downloadEvents["complete"]; got != 1 {
		t.Fatalf("expected 1 download complete, got %d", got)
	}
	if got := recorder.downloadEvents["retry"]; got != 1 {
		t.Fatalf("expected 1 download retry, got %d", got)
	}
	if got := recorder.dedupSkipped["pre"]; got != 2 {
		t.Fatalf("expected 2 pre-download dedup skips, got %d", got)
	}
	if got := recorder.dedupSkipped["post"]; got != 1 {
		t.Fatalf("expected 1 post-download dedup skip, got %d", got)
	}
}

func TestExtractionCountersAndActiveWorkersConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	sets := 100
	wg.Add(sets)
	for i := 0; i < sets; i++ {
		n := i
		go func() {
			defer wg.Done()
			recorder.SetActiveWorkers(n % 4)
		}()
	}
	wg.Wait()

	recorder.ExtractStarted()
	recorder.ExtractCompleted()
	recorder.ExtractPasswordRequired()
	recorder.ExtractUnsafeMember()
	recorder.ExtractBombAborted()

	if got := recorder.extractEvents["start"]; got != 1 {
		t.Fatalf("expected 1 extract start, got %d", got)
	}
	if got := recorder.extractEvents["password_required"]; got != 1 {
		t.Fatalf("expected 1 password_required event, got %d", got)
	}
	if active := recorder.ActiveWorkers(); active < 0 || active > 3 {
		t.Fatalf("active workers gauge out of expected range: got %d", active)
	}
}

func TestIndicatorsFoundIgnoresNonPositiveCounts(t *testing.T) {
	recorder := New()

	recorder.IndicatorsFound("domain", 3)
	recorder.IndicatorsFound("EMAIL", 2)
	recorder.IndicatorsFound("ipv4", 0)
	recorder.IndicatorsFound("ipv4", -1)

	if got := recorder.indicatorsByType["domain"]; got != 3 {
		t.Fatalf("expected 3 domain indicators, got %d", got)
	}
	if got := recorder.indicatorsByType["email"]; got != 2 {
		t.Fatalf("expected 2 email indicators, got %d", got)
	}
	if _, ok := recorder.indicatorsByType["ipv4"]; ok {
		t.Fatalf("expected no ipv4 entry for non-positive counts")
	}
}

func TestJobAndQueueGauges(t *testing.T) {
	recorder := New()

	recorder.JobCompleted()
	recorder.JobCompleted()
	recorder.JobFailed("transient_network")
	recorder.JobFailed("unsafe_archive")
	recorder.JobFailed("transient_network")
	recorder.TruncatedLine()
	recorder.SetQueueDepth(7)

	if recorder.jobsCompleted != 2 {
		t.Fatalf("expected 2 completed jobs, got %d", recorder.jobsCompleted)
	}
	if got := recorder.jobsFailed["transient_network"]; got != 2 {
		t.Fatalf("expected 2 transient_network failures, got %d", got)
	}
	if got := recorder.jobsFailed["unsafe_archive"]; got != 1 {
		t.Fatalf("expected 1 unsafe_archive failure, got %d", got)
	}
	if recorder.truncatedLines != 1 {
		t.Fatalf("expected 1 truncated line, got %d", recorder.truncatedLines)
	}
	if got := recorder.QueueDepth(); got != 7 {
		t.Fatalf("expected queue depth 7, got %d", got)
	}
}

func TestWriteAndHandlerOutputIncludesAllFamilies(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/metrics", 200, 5*time.Millisecond)
	recorder.DownloadStarted()
	recorder.DownloadCompleted()
	recorder.SkippedDuplicatePre()
	recorder.ExtractStarted()
	recorder.ExtractCompleted()
	recorder.IndicatorsFound("domain", 2)
	recorder.IndicatorsFound("ipv4", 1)
	recorder.JobCompleted()
	recorder.JobFailed("password_required")
	recorder.TruncatedLine()
	recorder.SetActiveWorkers(3)
	recorder.SetQueueDepth(5)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	for _, want := range []string{
		"telecap_http_requests_total",
		"telecap_downloads_total{event=\"start\"} 1",
		"telecap_downloads_total{event=\"complete\"} 1",
		"telecap_duplicates_skipped_total{stage=\"pre\"} 1",
		"telecap_extract_events_total{event=\"start\"} 1",
		"telecap_indicators_found_total{type=\"domain\"} 2",
		"telecap_indicators_found_total{type=\"ipv4\"} 1",
		"telecap_scanner_truncated_lines_total 1",
		"telecap_jobs_completed_total 1",
		"telecap_jobs_failed_total{error_class=\"password_required\"} 1",
		"telecap_active_workers 3",
		"telecap_queue_depth 5",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))
	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}
	if !strings.Contains(res.Body.String(), "telecap_jobs_completed_total") {
		t.Fatalf("expected handler output to match Write output")
	}
}

func TestResetClearsAllCounters(t *testing.T) {
	recorder := New()
	recorder.DownloadStarted()
	recorder.JobCompleted()
	recorder.SetActiveWorkers(2)
	recorder.SetQueueDepth(4)

	recorder.Reset()

	if len(recorder.downloadEvents) != 0 {
		t.Fatalf("expected download events cleared")
	}
	if recorder.jobsCompleted != 0 {
		t.Fatalf("expected jobsCompleted cleared")
	}
	if recorder.ActiveWorkers() != 0 || recorder.QueueDepth() != 0 {
		t.Fatalf("expected gauges cleared")
	}
}
