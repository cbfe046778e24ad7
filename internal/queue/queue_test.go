package queue

import (
	"context"
	"testing"
	"time"

	"github.com/prohibitedtv/telecap/internal/model"
)

func testJob(docID int64) model.JobDescriptor {
	return model.JobDescriptor{ExternalRef: model.ExternalRef{ChannelID: 1, MessageID: 1, DocumentID: docID}}
}

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	q := New(4)
	ctx := context.Background()
	for i := int64(0); i < 3; i++ {
		if err := q.Enqueue(ctx, testJob(i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for i := int64(0); i < 3; i++ {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if job.ExternalRef.DocumentID != i {
			t.Fatalf("expected FIFO order, got document %d at position %d", job.ExternalRef.DocumentID, i)
		}
	}
}

func TestTryEnqueueFailsWhenFull(t *testing.T) {
	q := New(1)
	if !q.TryEnqueue(testJob(1)) {
		t.Fatal("expected first enqueue to succeed")
	}
	if q.TryEnqueue(testJob(2)) {
		t.Fatal("expected second enqueue on a full queue to fail")
	}
}

func TestEnqueueBlocksUntilCapacityFreesUp(t *testing.T) {
	q := New(1)
	ctx := context.Background()
	if err := q.Enqueue(ctx, testJob(1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, testJob(2))
	}()

	select {
	case <-done:
		t.Fatal("expected second Enqueue to block while queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Enqueue returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected blocked Enqueue to unblock after a Dequeue freed capacity")
	}
}

func TestEnqueueRespectsContextCancellation(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Enqueue(ctx, testJob(1))
	if err == nil {
		t.Fatal("expected Enqueue on an unconsumed zero-capacity queue to respect cancellation")
	}
}

func TestLenAndCapReflectBuffer(t *testing.T) {
	q := New(3)
	ctx := context.Background()
	if q.Cap() != 3 {
		t.Fatalf("expected cap 3, got %d", q.Cap())
	}
	if q.Len() != 0 {
		t.Fatalf("expected len 0, got %d", q.Len())
	}
	_ = q.Enqueue(ctx, testJob(1))
	if q.Len() != 1 {
		t.Fatalf("expected len 1 after one enqueue, got %d", q.Len())
	}
}
