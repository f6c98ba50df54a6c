package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ignatzorin/rental-escrow/internal/models"
)

// Delivery: полученная из очереди задача выплаты.
type Delivery struct {
	Job      models.PayoutJob
	Attempts int

	raw string
}

// Queue: именованная очередь задач выплат с доставкой at-least-once.
type Queue interface {
	Publish(ctx context.Context, job models.PayoutJob) error
	// Consume блокируется до появления задачи или отмены ctx.
	Consume(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack возвращает задачу в очередь с увеличенным счётчиком попыток.
	Nack(ctx context.Context, d *Delivery) error
}

type envelope struct {
	Job      models.PayoutJob `json:"job"`
	Attempts int              `json:"attempts"`
}

func encode(job models.PayoutJob, attempts int) (string, error) {
	raw, err := json.Marshal(envelope{Job: job, Attempts: attempts})
	if err != nil {
		return "", fmt.Errorf("queue: encode: %w", err)
	}
	return string(raw), nil
}

func decode(raw string) (*Delivery, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("queue: decode: %w", err)
	}
	return &Delivery{Job: env.Job, Attempts: env.Attempts, raw: raw}, nil
}
