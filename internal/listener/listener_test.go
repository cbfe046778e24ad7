package listener

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prohibitedtv/telecap/internal/errs"
	"github.com/prohibitedtv/telecap/internal/model"
	"github.com/prohibitedtv/telecap/internal/platform"
	"github.com/prohibitedtv/telecap/internal/queue"
	"github.com/prohibitedtv/telecap/internal/retry"
)

// fakePlatform is a minimal platform.Client test double that replays a
// scripted sequence of subscribe outcomes.
type fakePlatform struct {
	mu sync.Mutex

	subscribeCalls int
	subscribeErrs  []error
	channelBatches [][]platform.DocumentEvent
}

var _ platform.Client = (*fakePlatform)(nil)

func (p *fakePlatform) Subscribe(ctx context.Context, channelIDs []int64) (<-chan platform.DocumentEvent, error) {
	p.mu.Lock()
	idx := p.subscribeCalls
	p.subscribeCalls++
	p.mu.Unlock()

	if idx < len(p.subscribeErrs) && p.subscribeErrs[idx] != nil {
		return nil, p.subscribeErrs[idx]
	}

	ch := make(chan platform.DocumentEvent, 8)
	var batch []platform.DocumentEvent
	if idx < len(p.channelBatches) {
		batch = p.channelBatches[idx]
	}
	go func() {
		defer close(ch)
		for _, ev := range batch {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *fakePlatform) Download(ctx context.Context, ref model.ExternalRef) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (p *fakePlatform) Close() error { return nil }

func newTestBackoff() retry.Backoff {
	return retry.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 0}
}

func TestListenerEnqueuesDocumentEvents(t *testing.T) {
	events := []platform.DocumentEvent{
		{
			Ref:     model.ExternalRef{ChannelID: 1, MessageID: 2, DocumentID: 3},
			Channel: model.ChannelMeta{ChannelID: 1, ChannelTitle: "news", Filename: "report.zip"},
		},
		{
			Ref:     model.ExternalRef{ChannelID: 1, MessageID: 5, DocumentID: 6},
			Channel: model.ChannelMeta{ChannelID: 1, ChannelTitle: "news", Filename: "notes.txt"},
		},
	}
	fp := &fakePlatform{channelBatches: [][]platform.DocumentEvent{events}}
	q := queue.New(4)

	l, err := New(Config{Platform: fp, Queue: q, ChannelIDs: []int64{1}, Backoff: newTestBackoff()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	for i, want := range events {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue job %d: %v", i, err)
		}
		if job.ExternalRef != want.Ref {
			t.Fatalf("job %d: expected ref %v, got %v", i, want.Ref, job.ExternalRef)
		}
		if job.Channel != want.Channel {
			t.Fatalf("job %d: expected channel %v, got %v", i, want.Channel, job.Channel)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestListenerReconnectsOnSubscribeError(t *testing.T) {
	wantRef := model.ExternalRef{ChannelID: 9, MessageID: 1, DocumentID: 1}
	fp := &fakePlatform{
		subscribeErrs: []error{errs.New(errs.ClassTransientNetwork, errors.New("connection reset"))},
		channelBatches: [][]platform.DocumentEvent{
			nil,
			{{Ref: wantRef, Channel: model.ChannelMeta{ChannelID: 9}}},
		},
	}
	q := queue.New(4)
	l, err := New(Config{Platform: fp, Queue: q, ChannelIDs: []int64{9}, Backoff: newTestBackoff()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() { _ = l.Run(ctx) }()

	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job.ExternalRef != wantRef {
		t.Fatalf("expected ref %v, got %v", wantRef, job.ExternalRef)
	}

	fp.mu.Lock()
	calls := fp.subscribeCalls
	fp.mu.Unlock()
	if calls < 2 {
		t.Fatalf("expected at least 2 subscribe attempts, got %d", calls)
	}
}

func TestListenerStopsOnContextCancel(t *testing.T) {
	fp := &fakePlatform{channelBatches: [][]platform.DocumentEvent{nil}}
	q := queue.New(1)
	l, err := New(Config{Platform: fp, Queue: q, ChannelIDs: []int64{1}, Backoff: newTestBackoff()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	q := queue.New(1)
	fp := &fakePlatform{}

	if _, err := New(Config{Queue: q, ChannelIDs: []int64{1}}); err == nil {
		t.Fatal("expected error for missing platform client")
	}
	if _, err := New(Config{Platform: fp, ChannelIDs: []int64{1}}); err == nil {
		t.Fatal("expected error for missing queue")
	}
	if _, err := New(Config{Platform: fp, Queue: q}); err == nil {
		t.Fatal("expected error for missing channel ids")
	}
}
