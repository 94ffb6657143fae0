package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, maxRetries int) (*RedisJobQueue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       srv.Addr(),
		Stream:     "test:notify",
		Group:      "test-group",
		Consumer:   "consumer-1",
		MaxRetries: maxRetries,
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, srv
}

func TestEnqueueValidatesJob(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, Kind("lost"), "100", []int64{1}); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
	if _, err := q.Enqueue(ctx, KindSold, " ", []int64{1}); err == nil {
		t.Fatalf("expected missing seller to be rejected")
	}
	if _, err := q.Enqueue(ctx, KindSold, "100", nil); err == nil {
		t.Fatalf("expected empty listing set to be rejected")
	}
}

func TestEnqueueRecordsJobState(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, KindMissing, "100", []int64{3, 7})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.Kind != KindMissing || got.SellerID != "100" || got.Status != StatusQueued {
		t.Fatalf("unexpected job: %+v", got)
	}
	if len(got.ListingIDs) != 2 || got.ListingIDs[0] != 3 || got.ListingIDs[1] != 7 {
		t.Fatalf("unexpected listing ids: %v", got.ListingIDs)
	}
}

func TestStartProcessesJobAndRetries(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, KindSold, "100", []int64{1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var calls atomic.Int32
	err = q.Start(ctx, 1, func(_ context.Context, j Job) error {
		if j.SellerID != "100" {
			t.Errorf("unexpected seller %q", j.SellerID)
		}
		if calls.Add(1) == 1 {
			return errors.New("smtp unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, _, _ := q.GetJob(context.Background(), job.ID)
		if got.Status == StatusDone {
			if got.Attempts != 2 {
				t.Fatalf("expected 2 attempts, got %d", got.Attempts)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job not done in time, handler calls=%d", calls.Load())
}

func TestStartMarksFailedAfterMaxRetries(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, KindToBeDeleted, "100", []int64{1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Start(ctx, 1, func(context.Context, Job) error { return errors.New("boom") }); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, _, _ := q.GetJob(context.Background(), job.ID)
		if got.Status == StatusFailed {
			if got.ErrorMessage != "boom" {
				t.Fatalf("unexpected error message %q", got.ErrorMessage)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job not marked failed in time")
}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != job.ID || got.Values["seller_id"] != job.SellerID || got.Values["listing_ids"] != "4,5" {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, Job) {
	t.Helper()
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()
	if err := q.ensureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	job, err := q.Enqueue(ctx, KindSold, "100", []int64{4, 5})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0].ID, job
}

func TestHandleMessageKeepsPendingOnStatusReadError(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)
	// A string where the status hash should be makes HGETALL fail.
	if err := q.client.Set(ctx, q.jobKey(job.ID), "corrupt", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	var calls atomic.Int32
	q.handleMessage(ctx, redis.XMessage{ID: msgID, Values: map[string]any{"job_id": job.ID}}, func(context.Context, Job) error {
		calls.Add(1)
		return nil
	})
	if calls.Load() != 0 {
		t.Fatalf("handler must not run when the job status cannot be read")
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected message to stay pending for redelivery, got %d", pending.Count)
	}
}

func TestHandleMessageAcksMalformedJob(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)
	if err := q.client.Del(ctx, q.jobKey(job.ID)).Err(); err != nil {
		t.Fatalf("del: %v", err)
	}
	q.handleMessage(ctx, redis.XMessage{ID: msgID, Values: map[string]any{"job_id": job.ID, "kind": "lost"}}, func(context.Context, Job) error {
		t.Fatalf("handler must not run for a malformed job")
		return nil
	})
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected malformed job to be acked, got %d pending", pending.Count)
	}
}
