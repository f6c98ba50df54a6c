package queue

import (
	"context"
	"sync"

	"github.com/ignatzorin/rental-escrow/internal/models"
)

// Memory: очередь в памяти процесса для тестов и одиночного инстанса.
type Memory struct {
	ch chan string

	mu       sync.Mutex
	inflight int
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{ch: make(chan string, capacity)}
}

func (q *Memory) Publish(ctx context.Context, job models.PayoutJob) error {
	raw, err := encode(job, 0)
	if err != nil {
		return err
	}
	return q.push(ctx, raw)
}

func (q *Memory) push(ctx context.Context, raw string) error {
	select {
	case q.ch <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) Consume(ctx context.Context) (*Delivery, error) {
	select {
	case raw := <-q.ch:
		d, err := decode(raw)
		if err != nil {
			return nil, err
		}
		q.mu.Lock()
		q.inflight++
		q.mu.Unlock()
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Memory) Ack(_ context.Context, _ *Delivery) error {
	q.done()
	return nil
}

func (q *Memory) Nack(ctx context.Context, d *Delivery) error {
	q.done()
	raw, err := encode(d.Job, d.Attempts+1)
	if err != nil {
		return err
	}
	return q.push(ctx, raw)
}

func (q *Memory) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight > 0 {
		q.inflight--
	}
}

// Pending возвращает число задач в очереди и в обработке.
func (q *Memory) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + q.inflight
}
