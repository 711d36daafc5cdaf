package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"audiobook-pipeline/internal/models"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, 30*time.Second)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "book-1", models.StageExtract); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	key, err := q.DequeueWithLease(ctx, models.StageExtract)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if key != models.JobKey("book-1", models.StageExtract) {
		t.Fatalf("unexpected job key %q", key)
	}

	// Leased, so not visible to another consumer.
	again, err := q.DequeueWithLease(ctx, models.StageExtract)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if again != "" {
		t.Fatalf("expected empty dequeue while leased, got %q", again)
	}

	inflight, err := q.InFlight(ctx, "book-1", models.StageExtract)
	if err != nil || !inflight {
		t.Fatalf("expected in-flight lease, got %v err=%v", inflight, err)
	}

	if err := q.Ack(ctx, key); err != nil {
		t.Fatalf("ack: %v", err)
	}
	inflight, _ = q.InFlight(ctx, "book-1", models.StageExtract)
	if inflight {
		t.Fatalf("lease should be gone after ack")
	}
}

func TestStagesAreIsolated(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "book-1", models.StageSegment); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	key, err := q.DequeueWithLease(ctx, models.StageExtract)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if key != "" {
		t.Fatalf("extract consumer should not see segment job, got %q", key)
	}

	depth, err := q.Depth(ctx, models.StageSegment)
	if err != nil || depth != 1 {
		t.Fatalf("expected depth 1 for segment, got %d err=%v", depth, err)
	}
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "book-1", models.StageSynthesize); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	key, err := q.DequeueWithLease(ctx, models.StageSynthesize)
	if err != nil || key == "" {
		t.Fatalf("dequeue: key=%q err=%v", key, err)
	}

	// Before the deadline nothing is reclaimed.
	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("expected no reclaims before deadline, got %v", reclaimed)
	}

	// After the deadline the job returns to the ready list.
	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != key {
		t.Fatalf("expected %q reclaimed, got %v", key, reclaimed)
	}

	redelivered, err := q.DequeueWithLease(ctx, models.StageSynthesize)
	if err != nil || redelivered != key {
		t.Fatalf("expected redelivery of %q, got %q err=%v", key, redelivered, err)
	}
}

func TestExtendLeaseKeepsJobInvisible(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "book-1", models.StageExtract); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	key, _ := q.DequeueWithLease(ctx, models.StageExtract)

	if err := q.ExtendLease(ctx, key, 5*time.Minute); err != nil {
		t.Fatalf("extend lease: %v", err)
	}

	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("extended lease should not be reclaimed, got %v", reclaimed)
	}
}

func TestScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	runAt := time.Now().Add(10 * time.Second)
	if err := q.Schedule(ctx, "book-1", models.StageExtract, runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing due yet, promoted %d", n)
	}

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}

	key, err := q.DequeueWithLease(ctx, models.StageExtract)
	if err != nil || key != models.JobKey("book-1", models.StageExtract) {
		t.Fatalf("expected promoted job, got %q err=%v", key, err)
	}
}

func TestPendingCoversAllPlacements(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	pending, err := q.Pending(ctx, "book-1", models.StageExtract)
	if err != nil || pending {
		t.Fatalf("expected not pending initially, got %v err=%v", pending, err)
	}

	// Ready.
	_ = q.Enqueue(ctx, "book-1", models.StageExtract)
	if pending, _ = q.Pending(ctx, "book-1", models.StageExtract); !pending {
		t.Fatalf("expected pending while ready")
	}

	// In-flight.
	key, _ := q.DequeueWithLease(ctx, models.StageExtract)
	if pending, _ = q.Pending(ctx, "book-1", models.StageExtract); !pending {
		t.Fatalf("expected pending while leased")
	}
	_ = q.Ack(ctx, key)

	// Scheduled.
	_ = q.Schedule(ctx, "book-1", models.StageExtract, time.Now().Add(time.Minute))
	if pending, _ = q.Pending(ctx, "book-1", models.StageExtract); !pending {
		t.Fatalf("expected pending while scheduled")
	}
}

func TestRemoveDropsEverything(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "book-1", models.StageExtract)
	_ = q.Schedule(ctx, "book-1", models.StageSegment, time.Now().Add(time.Minute))
	_ = q.Enqueue(ctx, "book-2", models.StageExtract)

	if err := q.Remove(ctx, "book-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	for _, stage := range models.Stages() {
		pending, err := q.Pending(ctx, "book-1", stage)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if pending {
			t.Fatalf("book-1 still pending at stage %s after remove", stage)
		}
	}

	// Other books are untouched.
	if pending, _ := q.Pending(ctx, "book-2", models.StageExtract); !pending {
		t.Fatalf("book-2 should remain queued")
	}
}

func TestRemoveIdleLeavesLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "book-1", models.StageExtract)
	key, _ := q.DequeueWithLease(ctx, models.StageExtract)
	_ = q.Schedule(ctx, "book-1", models.StageSegment, time.Now().Add(time.Minute))

	if err := q.RemoveIdle(ctx, "book-1"); err != nil {
		t.Fatalf("remove idle: %v", err)
	}

	if inflight, _ := q.InFlight(ctx, "book-1", models.StageExtract); !inflight {
		t.Fatalf("in-flight lease should survive RemoveIdle")
	}
	if pending, _ := q.Pending(ctx, "book-1", models.StageSegment); pending {
		t.Fatalf("scheduled entry should be gone after RemoveIdle")
	}
	_ = q.Ack(ctx, key)
}
