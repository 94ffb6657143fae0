package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cube/internal/util"
)

// DefaultStream is the stream the listing service and the notifier share
// when none is configured.
const DefaultStream = "cube:notifications"

var errMalformedJob = errors.New("malformed job")

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Kind names the email a notification job produces.
type Kind string

const (
	KindMissing     Kind = "missing"
	KindSold        Kind = "sold"
	KindToBeDeleted Kind = "to_be_deleted"
)

// Valid reports whether k is a known notification kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMissing, KindSold, KindToBeDeleted:
		return true
	default:
		return false
	}
}

// Job is one seller notification: a kind and the listings it concerns.
type Job struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	SellerID     string    `json:"sellerId"`
	ListingIDs   []int64   `json:"listingIds"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one job. A returned error schedules a retry until
// MaxRetries attempts have been made.
type Handler func(context.Context, Job) error

// RedisJobQueue is a notification queue on a Redis stream with a consumer
// group. Job state lives in a hash per job so operators can inspect it.
type RedisJobQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
	groupErr     error
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Client     redis.UniversalClient
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	client := cfg.Client
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
	}
	stream := orDefault(strings.TrimSpace(cfg.Stream), DefaultStream)
	q := &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        orDefault(strings.TrimSpace(cfg.Group), "notifier"),
		consumerBase: orDefault(strings.TrimSpace(cfg.Consumer), util.NewID()),
		jobTTL:       positiveOr(cfg.JobTTL, 72*time.Hour),
		maxRetries:   cfg.MaxRetries,
		block:        positiveOr(cfg.Block, 5*time.Second),
		claimIdle:    positiveOr(cfg.ClaimIdle, time.Minute),
		retryDelay:   positiveOr(cfg.RetryDelay, 5*time.Second),
		maxLen:       positiveOr(cfg.MaxLen, 10000),
		readCount:    positiveOr(cfg.ReadCount, 10),
		claimCount:   positiveOr(cfg.ClaimCount, 10),
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 5
	}
	return q, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func positiveOr[T int64 | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}

// Enqueue records a job for sellerID and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, kind Kind, sellerID string, listingIDs []int64) (Job, error) {
	sellerID = strings.TrimSpace(sellerID)
	if !kind.Valid() {
		return Job{}, fmt.Errorf("unknown notification kind %q", kind)
	}
	if sellerID == "" {
		return Job{}, errors.New("sellerId required")
	}
	if len(listingIDs) == 0 {
		return Job{}, errors.New("listingIds required")
	}
	now := time.Now().UTC()
	job := Job{
		ID:         util.NewID(),
		Kind:       kind,
		SellerID:   sellerID,
		ListingIDs: append([]int64(nil), listingIDs...),
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: messageValues(job),
	}).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob returns the recorded state of a job.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
	return nil
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) error {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	logger := util.LoggerFromContext(ctx).With("consumer", consumer, "stream", q.stream)
	for ctx.Err() == nil {
		msgs, err := q.claimPending(ctx, consumer)
		if err != nil && ctx.Err() == nil {
			logger.Warn("queue_claim_failed", "err", err)
		}
		for _, msg := range msgs {
			q.handleMessage(ctx, msg, handler)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				logger.Warn("queue_read_failed", "err", err)
				sleepCtx(ctx, q.retryDelay)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	if jobID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, msg.Values)
	if errors.Is(err, errMalformedJob) {
		util.LoggerFromContext(ctx).Error("notification_dropped", "job_id", jobID, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err != nil {
		// Left pending; XAUTOCLAIM redelivers it once it has been idle long enough.
		util.LoggerFromContext(ctx).Warn("notification_claim_failed", "job_id", jobID, "err", err)
		return
	}
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "kind", job.Kind, "seller_id", job.SellerID)
	jobCtx := util.ContextWithLogger(ctx, logger)

	herr := handler(jobCtx, job)
	if herr == nil {
		_ = q.mark(ctx, jobID, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		logger.Error("notification_failed", "attempts", job.Attempts, "err", herr)
		_ = q.mark(ctx, jobID, StatusFailed, herr.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	logger.Warn("notification_retry", "attempts", job.Attempts, "err", herr)
	_ = q.mark(ctx, jobID, StatusQueued, herr.Error())
	if !sleepCtx(ctx, q.retryDelay) {
		return
	}
	if err := q.requeueAndAck(ctx, msg.ID, job); err != nil {
		slog.Warn("queue_requeue_failed", "job_id", job.ID, "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck appends a fresh copy of the message and acknowledges the
// original atomically, so a failure leaves the original pending for XAUTOCLAIM.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID string, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: messageValues(job),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, jobID string, values map[string]any) (Job, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if !found {
		// Status hash expired; rebuild from the stream payload.
		job = decodeJob(jobID, stringValues(values))
		job.CreatedAt = time.Now().UTC()
	}
	if !job.Kind.Valid() || job.SellerID == "" || len(job.ListingIDs) == 0 {
		return Job{}, fmt.Errorf("%w %s", errMalformedJob, jobID)
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) mark(ctx context.Context, jobID, status, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.ID = jobID
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"kind":        string(job.Kind),
		"seller_id":   job.SellerID,
		"listing_ids": joinIDs(job.ListingIDs),
		"status":      job.Status,
		"error":       job.ErrorMessage,
		"attempts":    strconv.Itoa(job.Attempts),
		"created_at":  job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  job.UpdatedAt.Format(time.RFC3339Nano),
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, payload)
	pipe.Expire(ctx, key, q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func messageValues(job Job) map[string]any {
	return map[string]any{
		"job_id":      job.ID,
		"kind":        string(job.Kind),
		"seller_id":   job.SellerID,
		"listing_ids": joinIDs(job.ListingIDs),
	}
}

func stringValues(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{
		ID:           jobID,
		Kind:         Kind(data["kind"]),
		SellerID:     data["seller_id"],
		ListingIDs:   splitIDs(data["listing_ids"]),
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["created_at"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updated_at"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
