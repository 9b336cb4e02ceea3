package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis sorted set scored by NotBefore:
//
//	<prefix>tasks       => ZSET of task ids, score = NotBefore (unix nanos)
//	<prefix>task:<id>   => gob-encoded Task
//
// A consumer owns a task once its ZREM of the id succeeds.
type RedisQueue struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional and defaults to "stepflow:".
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: 50 * time.Millisecond,
	}
}

func (q *RedisQueue) keyTasks() string {
	return q.prefix + "tasks"
}

func (q *RedisQueue) keyTask(id string) string {
	return q.prefix + "task:" + id
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.keyTask(t.ID), data, 0)
		pipe.ZAdd(ctx, q.keyTasks(), redis.Z{Score: float64(t.NotBefore.UnixNano()), Member: t.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		task, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		if err := wait(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context) (*Task, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.keyTasks(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixNano(), 10),
		Count: 10,
	}).Result()
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.keyTasks(), id).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			// Another consumer won the race.
			continue
		}

		data, err := q.client.GetDel(ctx, q.keyTask(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		task, err := DecodeTask(data)
		if err != nil {
			return nil, fmt.Errorf("decode task %q: %w", id, err)
		}
		return task, nil
	}
	return nil, nil
}

// Len returns the approximate number of tasks queued (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.keyTasks()).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
