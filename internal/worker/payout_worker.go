package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ignatzorin/rental-escrow/internal/goroutine"
	"github.com/ignatzorin/rental-escrow/internal/logger"
	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/rental-escrow/internal/queue"
	"github.com/ignatzorin/rental-escrow/internal/repository"
)

const (
	defaultBatchSize    = 100
	defaultLease        = 5 * time.Minute
	defaultRetryBackoff = 30 * time.Second
	maxBackoffSteps     = 10
)

// PayoutExecutor выполняет выплату по escrow.
type PayoutExecutor interface {
	ExecutePayout(ctx context.Context, escrowID uuid.UUID) (*models.EscrowTransaction, error)
}

// Config задаёт параметры фоновой обработки выплат.
//
// MaxAttempts ограничивает повторы одной доставки из очереди. Исчерпав их,
// воркер возвращает задачу в outbox с паузой RetryBackoff, умноженной на номер раунда.
// Lease: сколько отправленная задача может оставаться незавершённой, прежде чем
// релей опубликует её снова. Это покрывает доставки, потерянные при рестарте.
type Config struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	BatchSize    int
	RetryDelay   time.Duration
	RetryBackoff time.Duration
	Lease        time.Duration
	Now          func() time.Time
}

// PayoutWorker переносит задачи из outbox в очередь и выполняет их пулом обработчиков.
type PayoutWorker struct {
	ledger   repository.Ledger
	queue    queue.Queue
	executor PayoutExecutor
	cfg      Config
}

func NewPayoutWorker(ledger repository.Ledger, q queue.Queue, executor PayoutExecutor, cfg Config) *PayoutWorker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PayoutWorker{ledger: ledger, queue: q, executor: executor, cfg: cfg}
}

// Run блокируется до отмены ctx. Отмена контекста не считается ошибкой.
func (w *PayoutWorker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.relayLoop(gctx)
		return nil
	})
	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			w.consumeLoop(gctx, id)
			return nil
		})
	}

	logger.Log.WithField("workers", w.cfg.Workers).Info("обработчик выплат запущен")
	err := g.Wait()
	logger.Log.Info("обработчик выплат остановлен")
	return err
}

func (w *PayoutWorker) relayLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Error("не удалось передать задачи выплат в очередь")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RelayOnce публикует задачи outbox, готовые к отправке, и помечает их отправленными.
// Публикация идёт вне транзакции: сбой между публикацией и отметкой даст повтор,
// который ExecutePayout отработает без эффекта.
func (w *PayoutWorker) RelayOnce(ctx context.Context) (int, error) {
	now := w.cfg.Now()
	var jobs []models.PayoutJob
	err := w.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		var err error
		jobs, err = tx.ClaimPayoutJobs(ctx, now, now.Add(-w.cfg.Lease), w.cfg.BatchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, job := range jobs {
		if err := w.queue.Publish(ctx, job); err != nil {
			return sent, err
		}
		err := w.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
			return tx.MarkPayoutDispatched(ctx, job.ID, now)
		})
		if err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		logger.Log.WithField("count", sent).Debug("задачи выплат переданы в очередь")
	}
	return sent, nil
}

func (w *PayoutWorker) consumeLoop(ctx context.Context, id int) {
	log := logger.Log.WithField("worker", id)
	for {
		d, err := w.queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("ошибка чтения очереди выплат")
			if !sleep(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}
		w.Handle(ctx, d)
	}
}

// Handle выполняет одну задачу. Строка outbox закрывается только после выплаты
// или доменного отказа; иначе задача повторяется через очередь или возвращается в outbox.
func (w *PayoutWorker) Handle(ctx context.Context, d *queue.Delivery) {
	log := logger.Log.WithFields(logrus.Fields{
		"job_id":    d.Job.ID,
		"escrow_id": d.Job.EscrowID,
		"attempt":   d.Attempts + 1,
	})

	var execErr error
	ok := goroutine.DefaultRecoveryHandler.Run(func() {
		_, execErr = w.executor.ExecutePayout(ctx, d.Job.EscrowID)
	})
	if !ok {
		execErr = errors.New("worker: panic при выполнении выплаты")
	}

	switch {
	case execErr == nil:
		log.Info("выплата выполнена")
		w.complete(ctx, d, log)
		w.ack(ctx, d, log)
	case !isTransient(execErr):
		log.WithError(execErr).Warn("выплата отклонена, задача закрыта")
		w.complete(ctx, d, log)
		w.ack(ctx, d, log)
	case d.Attempts+1 >= w.cfg.MaxAttempts:
		retryAt := w.cfg.Now().Add(w.backoff(d.Job.Attempts))
		log.WithError(execErr).WithField("retry_at", retryAt).Error("попытки исчерпаны, задача возвращена в outbox")
		w.reschedule(ctx, d, retryAt, log)
		w.ack(ctx, d, log)
	default:
		log.WithError(execErr).Warn("выплата не выполнена, повтор")
		if !sleep(ctx, w.cfg.RetryDelay*time.Duration(d.Attempts+1)) {
			return
		}
		if err := w.queue.Nack(ctx, d); err != nil {
			log.WithError(err).Error("не удалось вернуть задачу в очередь")
		}
	}
}

// complete закрывает строку outbox. Если это не удалось, строка вернётся в релей
// после истечения аренды и повторный ExecutePayout ничего не изменит.
func (w *PayoutWorker) complete(ctx context.Context, d *queue.Delivery, log *logrus.Entry) {
	err := w.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		return tx.CompletePayoutJob(ctx, d.Job.ID, w.cfg.Now())
	})
	if err != nil {
		log.WithError(err).Error("не удалось закрыть задачу выплаты")
	}
}

func (w *PayoutWorker) reschedule(ctx context.Context, d *queue.Delivery, at time.Time, log *logrus.Entry) {
	err := w.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		return tx.RetryPayoutJob(ctx, d.Job.ID, at)
	})
	if err != nil {
		log.WithError(err).Error("не удалось вернуть задачу выплаты в outbox")
	}
}

func (w *PayoutWorker) backoff(rounds int) time.Duration {
	if rounds >= maxBackoffSteps {
		rounds = maxBackoffSteps - 1
	}
	return w.cfg.RetryBackoff * time.Duration(rounds+1)
}

func (w *PayoutWorker) ack(ctx context.Context, d *queue.Delivery, log *logrus.Entry) {
	if err := w.queue.Ack(ctx, d); err != nil {
		log.WithError(err).Error("не удалось подтвердить задачу")
	}
}

// isTransient: сбои инфраструктуры и конкурентные конфликты имеет смысл повторять,
// доменный отказ повтором не исправить.
func isTransient(err error) bool {
	switch apperror.CodeOf(err) {
	case apperror.ErrCodeDatabaseError, apperror.ErrCodeInternal, apperror.ErrCodeConflict,
		apperror.ErrCodeSettlementFailed:
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
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
