package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
)

// MemoryLedger: in-memory реализация Ledger для тестов и локального запуска.
// Транзакции сериализуются одним мьютексом и работают с копией состояния,
// которая подменяет текущее только при успешном завершении fn.
type MemoryLedger struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	agreements map[uuid.UUID]models.Agreement
	escrows    map[uuid.UUID]*models.EscrowTransaction
	disputes   map[uuid.UUID]*models.Dispute
	evidence   map[uuid.UUID]models.Evidence
	reputation map[uuid.UUID]valueobject.Reputation
	audit      []models.AuditEntry
	jobs       []models.PayoutJob
	webhooks   map[string]uuid.UUID
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		state: &memState{
			agreements: make(map[uuid.UUID]models.Agreement),
			escrows:    make(map[uuid.UUID]*models.EscrowTransaction),
			disputes:   make(map[uuid.UUID]*models.Dispute),
			evidence:   make(map[uuid.UUID]models.Evidence),
			reputation: make(map[uuid.UUID]valueobject.Reputation),
			webhooks:   make(map[string]uuid.UUID),
		},
		now: time.Now,
	}
}

// InTx выполняет fn над копией состояния и фиксирует её, если fn не вернула ошибку.
func (l *MemoryLedger) InTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	working := l.state.clone()
	if err := fn(&memTx{state: working, now: l.now}); err != nil {
		return err
	}
	l.state = working
	return nil
}

func (s *memState) clone() *memState {
	c := &memState{
		agreements: make(map[uuid.UUID]models.Agreement, len(s.agreements)),
		escrows:    make(map[uuid.UUID]*models.EscrowTransaction, len(s.escrows)),
		disputes:   make(map[uuid.UUID]*models.Dispute, len(s.disputes)),
		evidence:   make(map[uuid.UUID]models.Evidence, len(s.evidence)),
		reputation: make(map[uuid.UUID]valueobject.Reputation, len(s.reputation)),
		audit:      append([]models.AuditEntry(nil), s.audit...),
		jobs:       append([]models.PayoutJob(nil), s.jobs...),
		webhooks:   make(map[string]uuid.UUID, len(s.webhooks)),
	}
	for k, v := range s.agreements {
		c.agreements[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v.Clone()
	}
	for k, v := range s.disputes {
		c.disputes[k] = v.Clone()
	}
	for k, v := range s.evidence {
		c.evidence[k] = v
	}
	for k, v := range s.reputation {
		c.reputation[k] = v
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	return c
}

type memTx struct {
	state *memState
	now   func() time.Time
}

func (t *memTx) CreateAgreement(_ context.Context, a *models.Agreement) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, ok := t.state.agreements[a.ID]; ok {
		return apperror.New(apperror.ErrCodeConflict, "договор уже существует")
	}
	now := t.now()
	a.CreatedAt, a.UpdatedAt = now, now
	t.state.agreements[a.ID] = *a
	return nil
}

func (t *memTx) GetAgreement(_ context.Context, id uuid.UUID) (*models.Agreement, error) {
	a, ok := t.state.agreements[id]
	if !ok {
		return nil, apperror.ErrAgreementNotFound
	}
	return &a, nil
}

func (t *memTx) UpdateAgreementStatus(_ context.Context, id uuid.UUID, status valueobject.AgreementStatus) error {
	a, ok := t.state.agreements[id]
	if !ok {
		return apperror.ErrAgreementNotFound
	}
	a.Status = status
	a.UpdatedAt = t.now()
	t.state.agreements[id] = a
	return nil
}

func (t *memTx) CreateEscrow(_ context.Context, e *models.EscrowTransaction) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	for _, existing := range t.state.escrows {
		if existing.AgreementID == e.AgreementID {
			return apperror.New(apperror.ErrCodeConflict, "escrow для договора уже создан")
		}
	}
	now := t.now()
	e.CreatedAt, e.UpdatedAt = now, now
	t.state.escrows[e.ID] = e.Clone()
	return nil
}

func (t *memTx) GetEscrow(_ context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	e, ok := t.state.escrows[id]
	if !ok {
		return nil, apperror.ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (t *memTx) GetEscrowByAgreement(_ context.Context, agreementID uuid.UUID) (*models.EscrowTransaction, error) {
	for _, e := range t.state.escrows {
		if e.AgreementID == agreementID {
			return e.Clone(), nil
		}
	}
	return nil, apperror.ErrEscrowNotFound
}

func (t *memTx) SaveEscrow(_ context.Context, e *models.EscrowTransaction) error {
	stored, ok := t.state.escrows[e.ID]
	if !ok {
		return apperror.ErrEscrowNotFound
	}
	updated := e.Clone()
	updated.Events = stored.Events
	updated.WebhookEventIDs = stored.WebhookEventIDs
	updated.UpdatedAt = t.now()
	t.state.escrows[e.ID] = updated
	return nil
}

func (t *memTx) AppendEscrowEvent(_ context.Context, escrowID uuid.UUID, ev models.EscrowEvent) error {
	stored, ok := t.state.escrows[escrowID]
	if !ok {
		return apperror.ErrEscrowNotFound
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.now()
	}
	stored.Events = append(stored.Events, ev)
	return nil
}

func (t *memTx) RecordWebhookEvent(_ context.Context, escrowID uuid.UUID, eventID string) (bool, error) {
	stored, ok := t.state.escrows[escrowID]
	if !ok {
		return false, apperror.ErrEscrowNotFound
	}
	if _, seen := t.state.webhooks[eventID]; seen {
		return false, nil
	}
	t.state.webhooks[eventID] = escrowID
	stored.WebhookEventIDs = append(stored.WebhookEventIDs, eventID)
	return true, nil
}

func (t *memTx) CreateDispute(_ context.Context, d *models.Dispute) error {
	for _, existing := range t.state.disputes {
		if existing.AgreementID == d.AgreementID && existing.Status.IsActive() {
			return apperror.ErrActiveDispute
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = t.now()
	t.state.disputes[d.ID] = d.Clone()
	return nil
}

func (t *memTx) GetDispute(_ context.Context, id uuid.UUID) (*models.Dispute, error) {
	d, ok := t.state.disputes[id]
	if !ok {
		return nil, apperror.ErrDisputeNotFound
	}
	return d.Clone(), nil
}

func (t *memTx) SaveDispute(_ context.Context, d *models.Dispute) error {
	if _, ok := t.state.disputes[d.ID]; !ok {
		return apperror.ErrDisputeNotFound
	}
	t.state.disputes[d.ID] = d.Clone()
	return nil
}

func (t *memTx) FindActiveDispute(_ context.Context, agreementID uuid.UUID) (*models.Dispute, error) {
	for _, d := range t.state.disputes {
		if d.AgreementID == agreementID && d.Status.IsActive() {
			return d.Clone(), nil
		}
	}
	return nil, nil
}

func (t *memTx) FindResolvedDispute(_ context.Context, agreementID uuid.UUID) (*models.Dispute, error) {
	var latest *models.Dispute
	for _, d := range t.state.disputes {
		if d.AgreementID != agreementID || d.Status != valueobject.DisputeStatusResolved {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

func (t *memTx) ListDisputes(_ context.Context, agreementID uuid.UUID) ([]models.Dispute, error) {
	out := make([]models.Dispute, 0)
	for _, d := range t.state.disputes {
		if d.AgreementID == agreementID {
			out = append(out, *d.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) CreateEvidence(_ context.Context, ev *models.Evidence) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.now()
	}
	t.state.evidence[ev.ID] = *ev
	return nil
}

func (t *memTx) GetEvidence(_ context.Context, id uuid.UUID) (*models.Evidence, error) {
	ev, ok := t.state.evidence[id]
	if !ok {
		return nil, apperror.ErrEvidenceNotFound
	}
	return &ev, nil
}

func (t *memTx) ListEvidence(_ context.Context, agreementID uuid.UUID) ([]models.Evidence, error) {
	out := make([]models.Evidence, 0)
	for _, ev := range t.state.evidence {
		if ev.AgreementID == agreementID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) GetReputation(_ context.Context, userID uuid.UUID) (valueobject.Reputation, error) {
	if score, ok := t.state.reputation[userID]; ok {
		return score, nil
	}
	return valueobject.DefaultReputation, nil
}

func (t *memTx) SetReputation(_ context.Context, userID uuid.UUID, score valueobject.Reputation) error {
	t.state.reputation[userID] = score
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}
	t.state.audit = append(t.state.audit, *entry)
	return nil
}

func (t *memTx) ListAudit(_ context.Context, entityID uuid.UUID) ([]models.AuditEntry, error) {
	out := make([]models.AuditEntry, 0)
	for _, entry := range t.state.audit {
		if entry.EntityID == entityID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (t *memTx) EnqueuePayout(_ context.Context, job *models.PayoutJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = t.now()
	job.AvailableAt = job.CreatedAt
	job.DispatchedAt, job.CompletedAt = nil, nil
	t.state.jobs = append(t.state.jobs, *job)
	return nil
}

func (t *memTx) ClaimPayoutJobs(_ context.Context, now, leaseBefore time.Time, limit int) ([]models.PayoutJob, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]models.PayoutJob, 0, limit)
	for _, job := range t.state.jobs {
		if job.CompletedAt != nil || job.AvailableAt.After(now) {
			continue
		}
		if job.DispatchedAt != nil && !job.DispatchedAt.Before(leaseBefore) {
			continue
		}
		out = append(out, job)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) MarkPayoutDispatched(_ context.Context, jobID uuid.UUID, at time.Time) error {
	job, err := t.payoutJob(jobID)
	if err != nil {
		return err
	}
	job.DispatchedAt = &at
	return nil
}

func (t *memTx) CompletePayoutJob(_ context.Context, jobID uuid.UUID, at time.Time) error {
	job, err := t.payoutJob(jobID)
	if err != nil {
		return err
	}
	if job.CompletedAt == nil {
		job.CompletedAt = &at
	}
	return nil
}

func (t *memTx) RetryPayoutJob(_ context.Context, jobID uuid.UUID, availableAt time.Time) error {
	job, err := t.payoutJob(jobID)
	if err != nil {
		return err
	}
	if job.CompletedAt != nil {
		return nil
	}
	job.Attempts++
	job.AvailableAt = availableAt
	job.DispatchedAt = nil
	return nil
}

func (t *memTx) payoutJob(jobID uuid.UUID) (*models.PayoutJob, error) {
	for i := range t.state.jobs {
		if t.state.jobs[i].ID == jobID {
			return &t.state.jobs[i], nil
		}
	}
	return nil, apperror.New(apperror.ErrCodeNotFound, "задача выплаты не найдена")
}
