package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/rental-escrow/internal/queue"
	"github.com/ignatzorin/rental-escrow/internal/repository"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
	errs  []error
	panic bool
}

func newFakeExecutor(errs ...error) *fakeExecutor {
	return &fakeExecutor{calls: make(map[uuid.UUID]int), errs: errs}
}

func (f *fakeExecutor) ExecutePayout(_ context.Context, escrowID uuid.UUID) (*models.EscrowTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[escrowID]++
	if f.panic {
		panic("settlement exploded")
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &models.EscrowTransaction{ID: escrowID}, nil
}

func (f *fakeExecutor) count(escrowID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[escrowID]
}

func enqueue(t *testing.T, ledger repository.Ledger) models.PayoutJob {
	t.Helper()
	job := models.PayoutJob{EscrowID: uuid.New(), Reason: models.PayoutReasonMutualRelease}
	err := ledger.InTx(context.Background(), func(tx repository.LedgerTx) error {
		return tx.EnqueuePayout(context.Background(), &job)
	})
	require.NoError(t, err)
	return job
}

// openJobs возвращает все незавершённые строки outbox независимо от сроков.
func openJobs(t *testing.T, ledger repository.Ledger) []models.PayoutJob {
	t.Helper()
	far := time.Now().AddDate(100, 0, 0)
	var jobs []models.PayoutJob
	err := ledger.InTx(context.Background(), func(tx repository.LedgerTx) error {
		var err error
		jobs, err = tx.ClaimPayoutJobs(context.Background(), far, far, 1000)
		return err
	})
	require.NoError(t, err)
	return jobs
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

// newManualClock стартует чуть впереди реального времени: строки outbox
// получают available_at по часам ledger и должны быть уже доступны.
func newManualClock() *manualClock {
	return &manualClock{now: time.Now().Add(time.Second)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// relayAndConsume переносит outbox в очередь и забирает одну доставку.
func relayAndConsume(t *testing.T, w *PayoutWorker, q *queue.Memory) *queue.Delivery {
	t.Helper()
	sent, err := w.RelayOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	d, err := q.Consume(context.Background())
	require.NoError(t, err)
	return d
}

func TestRelayOnce_PublishesAndMarksDispatched(t *testing.T) {
	ledger := repository.NewMemoryLedger()
	q := queue.NewMemory(8)
	w := NewPayoutWorker(ledger, q, newFakeExecutor(), Config{})

	job := enqueue(t, ledger)

	sent, err := w.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	sent, err = w.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)

	d, err := q.Consume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.ID, d.Job.ID)
	assert.Equal(t, job.EscrowID, d.Job.EscrowID)

	open := openJobs(t, ledger)
	require.Len(t, open, 1)
	assert.NotNil(t, open[0].DispatchedAt)
	assert.Nil(t, open[0].CompletedAt)
}

func TestRelayOnce_RepublishesAfterLeaseExpires(t *testing.T) {
	ledger := repository.NewMemoryLedger()
	clock := newManualClock()
	cfg := Config{Lease: time.Minute, Now: clock.Now}

	// Первый процесс успел отправить задачу в очередь в памяти и остановился.
	lost := NewPayoutWorker(ledger, queue.NewMemory(8), newFakeExecutor(), cfg)
	job := enqueue(t, ledger)
	sent, err := lost.RelayOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	q := queue.NewMemory(8)
	exec := newFakeExecutor()
	w := NewPayoutWorker(ledger, q, exec, cfg)

	sent, err = w.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent, "аренда ещё не истекла")

	clock.Advance(time.Minute + time.Second)
	d := relayAndConsume(t, w, q)
	assert.Equal(t, job.ID, d.Job.ID)

	w.Handle(context.Background(), d)
	assert.Equal(t, 1, exec.count(job.EscrowID))
	assert.Empty(t, openJobs(t, ledger))

	clock.Advance(time.Hour)
	sent, err = w.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestHandle_SuccessCompletesJob(t *testing.T) {
	ledger := repository.NewMemoryLedger()
	q := queue.NewMemory(8)
	exec := newFakeExecutor()
	w := NewPayoutWorker(ledger, q, exec, Config{})

	job := enqueue(t, ledger)
	d := relayAndConsume(t, w, q)

	w.Handle(context.Background(), d)

	assert.Equal(t, 1, exec.count(job.EscrowID))
	assert.Zero(t, q.Pending())
	assert.Empty(t, openJobs(t, ledger))
}

func TestHandle_DomainErrorClosesJob(t *testing.T) {
	ledger := repository.NewMemoryLedger()
	q := queue.NewMemory(8)
	exec := newFakeExecutor(apperror.ErrNotReadyForPayout)
	w := NewPayoutWorker(ledger, q, exec, Config{})

	enqueue(t, ledger)
	d := relayAndConsume(t, w, q)

	w.Handle(context.Background(), d)

	assert.Zero(t, q.Pending())
	assert.Empty(t, openJobs(t, ledger))
}

func TestHandle_UnknownJobStillAcks(t *testing.T) {
	q := queue.NewMemory(8)
	exec := newFakeExecutor()
	w := NewPayoutWorker(repository.NewMemoryLedger(), q, exec, Config{})

	job := models.PayoutJob{ID: uuid.New(), EscrowID: uuid.New()}
	require.NoError(t, q.Publish(context.Background(), job))
	d, err := q.Consume(context.Background())
	require.NoError(t, err)

	w.Handle(context.Background(), d)

	assert.Equal(t, 1, exec.count(job.EscrowID))
	assert.Zero(t, q.Pending())
}

func TestHandle_TransientErrorRequeues(t *testing.T) {
	ledger := repository.NewMemoryLedger()
	q := queue.NewMemory(8)
	exec := newFakeExecutor(apperror.New(apperror.ErrCodeDatabaseError, "db down"))
	w := NewPayoutWorker(ledger, q, exec, Config{MaxAttempts: 3})

	enqueue(t, ledger)
	d := relayAndConsume(t, w, q)

	w.Handle(context.Background(), d)

	again, err := q.Consume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts)
	require.Len(t, openJobs(t, ledger), 1)

	w.Handle(context.Background(), again)
	assert.Zero(t, q.Pending())
	assert.Equal(t, 2, exec.count(d.Job.EscrowID))
	assert.Empty(t, openJobs(t, ledger))
}

func TestHandle_SettlementFailureIsRetried(t *testing.T) {
	ledger := repository.NewMemoryLedger()
	q := queue.NewMemory(8)
	settleErr := apperror.Wrap(errors.New("bank down"), apperror.ErrCodeSettlementFailed, "перевод не выполнен")
	exec := newFakeExecutor(settleErr)
	w := NewPayoutWorker(ledger, q, exec, Config{MaxAttempts: 3})

	enqueue(t, ledger)
	d := relayAndConsume(t, w, q)

	w.Handle(context.Background(), d)

	again, err := q.Consume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts)
	w.Handle(context.Background(), again)
	assert.Empty(t, openJobs(t, ledger))
}

func TestHandle_ExhaustedJobReturnsToOutbox(t *testing.T) {
	ledger := repository.NewMemoryLedger()
	q := queue.NewMemory(8)
	clock := newManualClock()
	exec := newFakeExecutor(errors.New("boom"), errors.New("boom"))
	w := NewPayoutWorker(ledger, q, exec, Config{MaxAttempts: 2, RetryBackoff: time.Minute, Now: clock.Now})

	job := enqueue(t, ledger)
	d := relayAndConsume(t, w, q)
	w.Handle(context.Background(), d)
	d, err := q.Consume(context.Background())
	require.NoError(t, err)
	w.Handle(context.Background(), d)

	assert.Zero(t, q.Pending())
	open := openJobs(t, ledger)
	require.Len(t, open, 1)
	assert.Equal(t, job.ID, open[0].ID)
	assert.Equal(t, 1, open[0].Attempts)
	assert.Nil(t, open[0].DispatchedAt)

	sent, err := w.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent, "пауза перед следующим раундом ещё не прошла")

	clock.Advance(time.Minute)
	d = relayAndConsume(t, w, q)
	assert.Equal(t, 1, d.Job.Attempts)
	w.Handle(context.Background(), d)

	assert.Equal(t, 3, exec.count(job.EscrowID))
	assert.Empty(t, openJobs(t, ledger))
}

func TestHandle_BackoffGrowsWithRounds(t *testing.T) {
	w := NewPayoutWorker(repository.NewMemoryLedger(), queue.NewMemory(1), newFakeExecutor(), Config{RetryBackoff: time.Second})

	assert.Equal(t, time.Second, w.backoff(0))
	assert.Equal(t, 3*time.Second, w.backoff(2))
	assert.Equal(t, maxBackoffSteps*time.Second, w.backoff(1000))
}

func TestHandle_RecoversPanic(t *testing.T) {
	ledger := repository.NewMemoryLedger()
	q := queue.NewMemory(8)
	exec := newFakeExecutor()
	exec.panic = true
	w := NewPayoutWorker(ledger, q, exec, Config{MaxAttempts: 1})

	enqueue(t, ledger)
	d := relayAndConsume(t, w, q)

	assert.NotPanics(t, func() { w.Handle(context.Background(), d) })
	assert.Zero(t, q.Pending())
	assert.Len(t, openJobs(t, ledger), 1)
}

func TestRun_ProcessesOutboxUntilCancelled(t *testing.T) {
	ledger := repository.NewMemoryLedger()
	q := queue.NewMemory(8)
	exec := newFakeExecutor()
	w := NewPayoutWorker(ledger, q, exec, Config{Workers: 2, PollInterval: 10 * time.Millisecond})

	jobs := []models.PayoutJob{enqueue(t, ledger), enqueue(t, ledger), enqueue(t, ledger)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, job := range jobs {
			if exec.count(job.EscrowID) != 1 {
				return false
			}
		}
		return len(openJobs(t, ledger)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
