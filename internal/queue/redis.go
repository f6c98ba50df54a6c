package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignatzorin/rental-escrow/internal/models"
)

const (
	defaultRedisQueue = "escrow:payouts"
	consumePoll       = time.Second
)

// Connect создаёт клиента Redis из URL или host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("queue: parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: redis ping: %w", err)
	}
	return client, nil
}

// Redis: надёжная очередь на списках: задача атомарно переносится в список обработки
// и удаляется оттуда только после Ack.
type Redis struct {
	client     *redis.Client
	key        string
	processing string
}

func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = defaultRedisQueue
	}
	return &Redis{client: client, key: key, processing: key + ":processing"}
}

func (q *Redis) Publish(ctx context.Context, job models.PayoutJob) error {
	raw, err := encode(job, 0)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

func (q *Redis) Consume(ctx context.Context) (*Delivery, error) {
	for {
		raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", consumePoll).Result()
		if err == nil {
			return decode(raw)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("queue: consume: %w", err)
		}
	}
}

func (q *Redis) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

func (q *Redis) Nack(ctx context.Context, d *Delivery) error {
	raw, err := encode(d.Job, d.Attempts+1)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processing, 1, d.raw)
		p.LPush(ctx, q.key, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}
	return nil
}

// Recover возвращает в очередь задачи, оставшиеся в обработке после падения процесса.
func (q *Redis) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.key, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("queue: recover: %w", err)
		}
		moved++
	}
}
