package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/rental-escrow/internal/logger"
	"github.com/ignatzorin/rental-escrow/internal/models"
)

var ErrInvalidOrder = errors.New("settlement: некорректное поручение")

// Transfer: исполненный перевод.
type Transfer struct {
	Order     models.SettlementOrder
	SettledAt time.Time
}

// Simulated: имитация платёжного бэкенда. Повтор поручения с тем же ключом
// идемпотентности не создаёт второй перевод.
type Simulated struct {
	mu        sync.Mutex
	transfers map[string]Transfer
	order     []string
	failWith  error
	now       func() time.Time
}

func NewSimulated() *Simulated {
	return &Simulated{
		transfers: make(map[string]Transfer),
		now:       time.Now,
	}
}

// Settle исполняет перевод синхронно.
func (s *Simulated) Settle(ctx context.Context, order models.SettlementOrder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if order.AmountCents <= 0 || order.IdempotencyKey == "" {
		return ErrInvalidOrder
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	if _, ok := s.transfers[order.IdempotencyKey]; ok {
		return nil
	}

	s.transfers[order.IdempotencyKey] = Transfer{Order: order, SettledAt: s.now()}
	s.order = append(s.order, order.IdempotencyKey)

	logger.Log.WithFields(logrus.Fields{
		"escrow_id": order.EscrowID,
		"payee_id":  order.PayeeID,
		"amount":    order.AmountCents.String(),
	}).Info("settlement: перевод исполнен")
	return nil
}

// FailWith заставляет последующие вызовы Settle возвращать err; nil снимает отказ.
func (s *Simulated) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Transfers возвращает исполненные переводы в порядке исполнения.
func (s *Simulated) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Transfer, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.transfers[key])
	}
	return out
}
