// internal/queue/redis.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// RedisConfig configures the Redis-backed broker.
type RedisConfig struct {
	// Prefix namespaces all keys, e.g. "swapflow:transactions".
	Prefix          string
	PollTimeout     time.Duration
	PromoteInterval time.Duration
	// JobTTL bounds how long a dedupe key survives a crashed consumer.
	JobTTL time.Duration
}

func (c RedisConfig) normalized() RedisConfig {
	if c.Prefix == "" {
		c.Prefix = "swapflow:transactions"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = 250 * time.Millisecond
	}
	if c.JobTTL <= 0 {
		c.JobTTL = 24 * time.Hour
	}
	return c
}

// RedisBroker keeps jobs in Redis: a wait list consumed with BRPOP, a
// delayed sorted set scored by due time, and a per-transaction job key
// that enforces single-flight across consumers.
type RedisBroker struct {
	client *redis.Client
	opts   Options
	cfg    RedisConfig
	logger *zap.Logger

	closed  atomic.Bool
	started atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker creates a broker on an existing client. The broker closes
// the client on Close.
func NewRedisBroker(client *redis.Client, opts Options, cfg RedisConfig, logger *zap.Logger) *RedisBroker {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBroker{
		client: client,
		opts:   opts.normalized(),
		cfg:    cfg.normalized(),
		logger: logger.Named("redis_queue"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// DialRedis parses a redis:// URL and verifies connectivity.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}
	return client, nil
}

func (b *RedisBroker) key(parts ...string) string {
	k := b.cfg.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b *RedisBroker) Enqueue(ctx context.Context, item domain.WorkItem) error {
	if b.closed.Load() {
		return domain.ErrQueueClosed
	}

	jobKey := b.key("job", item.TransactionID)
	ok, err := b.client.SetNX(ctx, jobKey, "waiting", b.cfg.JobTTL).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}
	if !ok {
		b.logger.Debug("Job already scheduled, skipping", zap.String("transaction_id", item.TransactionID))
		return nil
	}

	payload, err := json.Marshal(item)
	if err != nil {
		_ = b.client.Del(ctx, jobKey).Err()
		return fmt.Errorf("encode work item: %w", err)
	}
	if err := b.client.LPush(ctx, b.key("wait"), payload).Err(); err != nil {
		_ = b.client.Del(ctx, jobKey).Err()
		return fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

func (b *RedisBroker) Start(handler Handler, concurrency int) error {
	if b.closed.Load() {
		return domain.ErrQueueClosed
	}
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	if err := b.releaseStale(b.ctx); err != nil {
		b.logger.Warn("Failed to release stale jobs", zap.Error(err))
	}

	for i := 0; i < concurrency; i++ {
		b.wg.Add(1)
		go b.worker(i, handler)
	}
	b.wg.Add(1)
	go b.promoter()

	b.logger.Info("Queue workers started", zap.Int("concurrency", concurrency))
	return nil
}

// releaseStale clears jobs left active by a previous process so that they
// can be re-enqueued.
func (b *RedisBroker) releaseStale(ctx context.Context) error {
	ids, err := b.client.SMembers(ctx, b.key("active")).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		pipe := b.client.TxPipeline()
		pipe.SRem(ctx, b.key("active"), id)
		pipe.Del(ctx, b.key("job", id))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		b.logger.Info("Released stale job", zap.String("transaction_id", id))
	}
	return nil
}

func (b *RedisBroker) worker(id int, handler Handler) {
	defer b.wg.Done()

	logger := b.logger.With(zap.Int("worker_id", id))
	for {
		if b.ctx.Err() != nil {
			return
		}

		res, err := b.client.BRPop(b.ctx, b.cfg.PollTimeout, b.key("wait")).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || b.ctx.Err() != nil {
				continue
			}
			logger.Warn("Failed to poll queue", zap.Error(err))
			b.pause(b.cfg.PollTimeout)
			continue
		}

		var item domain.WorkItem
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			logger.Error("Dropping malformed job", zap.String("payload", res[1]), zap.Error(err))
			continue
		}
		b.process(logger, handler, item)
	}
}

func (b *RedisBroker) process(logger *zap.Logger, handler Handler, item domain.WorkItem) {
	// bookkeeping must finish even when Close cancels b.ctx
	ctx := context.WithoutCancel(b.ctx)
	jobKey := b.key("job", item.TransactionID)

	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, b.key("active"), item.TransactionID)
	pipe.Set(ctx, jobKey, "active", b.cfg.JobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("Failed to mark job active", zap.String("transaction_id", item.TransactionID), zap.Error(err))
	}

	err := runHandler(ctx, logger, handler, item)
	result, next, delay := b.opts.decide(item, err)

	pipe = b.client.TxPipeline()
	pipe.SRem(ctx, b.key("active"), item.TransactionID)
	switch result {
	case outcomeCompleted:
		pipe.Del(ctx, jobKey)
		pipe.Incr(ctx, b.key("completed"))
	case outcomeFailed:
		pipe.Del(ctx, jobKey)
		pipe.Incr(ctx, b.key("failed"))
		logger.Info("Job failed permanently",
			zap.String("transaction_id", item.TransactionID),
			zap.Int("attempts", item.RetryCount+1),
			zap.Error(err))
	case outcomeRetry:
		payload, merr := json.Marshal(next)
		if merr != nil {
			logger.Error("Failed to encode retry", zap.Error(merr))
			pipe.Del(ctx, jobKey)
			break
		}
		pipe.Set(ctx, jobKey, "delayed", b.cfg.JobTTL)
		pipe.ZAdd(ctx, b.key("delayed"), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: payload,
		})
		logger.Debug("Job scheduled for retry",
			zap.String("transaction_id", item.TransactionID),
			zap.Int("attempt", next.RetryCount+1),
			zap.Duration("delay", delay))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("Failed to record job outcome", zap.String("transaction_id", item.TransactionID), zap.Error(err))
	}
}

// promoter moves due delayed jobs to the wait list.
func (b *RedisBroker) promoter() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if err := b.promoteDue(b.ctx); err != nil && b.ctx.Err() == nil {
				b.logger.Warn("Failed to promote delayed jobs", zap.Error(err))
			}
		}
	}
}

func (b *RedisBroker) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, b.key("delayed"), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		// ZREM decides which consumer owns the promotion
		removed, err := b.client.ZRem(ctx, b.key("delayed"), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}

		var item domain.WorkItem
		if err := json.Unmarshal([]byte(member), &item); err != nil {
			b.logger.Error("Dropping malformed delayed job", zap.Error(err))
			continue
		}
		pipe := b.client.TxPipeline()
		pipe.Set(ctx, b.key("job", item.TransactionID), "waiting", b.cfg.JobTTL)
		pipe.LPush(ctx, b.key("wait"), member)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBroker) Counts(ctx context.Context) (Counts, error) {
	pipe := b.client.Pipeline()
	waiting := pipe.LLen(ctx, b.key("wait"))
	delayed := pipe.ZCard(ctx, b.key("delayed"))
	active := pipe.SCard(ctx, b.key("active"))
	completed := pipe.Get(ctx, b.key("completed"))
	failed := pipe.Get(ctx, b.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, err
	}

	return Counts{
		Waiting:   int(waiting.Val()),
		Delayed:   int(delayed.Val()),
		Active:    int(active.Val()),
		Completed: counter(completed),
		Failed:    counter(failed),
	}, nil
}

func counter(cmd *redis.StringCmd) int {
	n, err := cmd.Int()
	if err != nil {
		return 0
	}
	return n
}

func (b *RedisBroker) pause(d time.Duration) {
	select {
	case <-b.ctx.Done():
	case <-time.After(d):
	}
}

// Close stops admission and consumers, waits for running attempts and
// closes the client. Waiting and delayed jobs stay in Redis.
func (b *RedisBroker) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		b.logger.Info("Queue stopped")
	case <-ctx.Done():
		b.logger.Warn("Queue shutdown timeout, attempts still running")
		err = ctx.Err()
	}

	if cerr := b.client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
