package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/repository"
	"github.com/ignatzorin/rental-escrow/internal/settlement"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events map[uuid.UUID][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(map[uuid.UUID][]string)}
}

func (n *recordingNotifier) BroadcastToUser(userID uuid.UUID, event string, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[userID] = append(n.events[userID], event)
	return nil
}

func (n *recordingNotifier) received(userID uuid.UUID) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events[userID]...)
}

// stubReviewer отдаёт заранее заданные ответы по очереди; последний повторяется.
type stubReviewer struct {
	mu      sync.Mutex
	reports []*models.AIReport
	errs    []error
	calls   int

	lastMoveIn  int
	lastMoveOut int
}

func (r *stubReviewer) Review(_ context.Context, _ string, moveIn, moveOut []models.Evidence) (*models.AIReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	r.lastMoveIn, r.lastMoveOut = len(moveIn), len(moveOut)
	if len(r.errs) > 0 {
		if err := r.errs[min(i, len(r.errs)-1)]; err != nil {
			return nil, err
		}
	}
	if len(r.reports) == 0 {
		return &models.AIReport{}, nil
	}
	report := *r.reports[min(i, len(r.reports)-1)]
	return &report, nil
}

func (r *stubReviewer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	ctx        context.Context
	ledger     *repository.MemoryLedger
	settlement *settlement.Simulated
	notifier   *recordingNotifier
	reviewer   *stubReviewer

	audit      *AuditRecorder
	payouts    *PayoutExecutor
	agreements *AgreementService
	escrows    *EscrowService
	disputes   *DisputeService

	tenant   uuid.UUID
	landlord uuid.UUID
	admin    uuid.UUID
}

func newFixture(t *testing.T, async bool) *fixture {
	t.Helper()

	f := &fixture{
		ctx:        context.Background(),
		ledger:     repository.NewMemoryLedger(),
		settlement: settlement.NewSimulated(),
		notifier:   newRecordingNotifier(),
		reviewer:   &stubReviewer{},
		tenant:     uuid.New(),
		landlord:   uuid.New(),
		admin:      uuid.New(),
	}
	f.audit = NewAuditRecorder(f.ledger)
	f.payouts = NewPayoutExecutor(f.ledger, f.settlement, f.audit, f.notifier)
	coordinator := NewReleaseCoordinator(f.payouts, f.audit, async)
	f.agreements = NewAgreementService(f.ledger, f.audit, f.notifier)
	f.escrows = NewEscrowService(f.ledger, coordinator, f.audit, f.notifier)
	f.disputes = NewDisputeService(f.ledger, f.reviewer, f.audit, f.notifier, time.Second)
	return f
}

func (f *fixture) request(t *testing.T, deposit int64) *models.Agreement {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agreement, err := f.agreements.RequestAgreement(f.ctx, AgreementRequest{
		TenantID:     f.tenant,
		LandlordID:   f.landlord,
		PropertyID:   uuid.New(),
		LeaseStart:   start,
		LeaseEnd:     start.AddDate(1, 0, 0),
		DepositCents: deposit,
	})
	require.NoError(t, err)
	return agreement
}

// lockedAgreement проводит договор через одобрение и блокировку депозита.
func (f *fixture) lockedAgreement(t *testing.T, deposit int64) (*models.Agreement, *models.EscrowTransaction) {
	t.Helper()
	agreement := f.request(t, deposit)

	agreement, _, err := f.agreements.ApproveAgreement(f.ctx, agreement.ID, f.landlord)
	require.NoError(t, err)

	escrow, err := f.escrows.LockDeposit(f.ctx, agreement.ID, f.tenant)
	require.NoError(t, err)
	return agreement, escrow
}

// reviewedDispute открывает спор и проводит AI проверку с рекомендацией pct.
func (f *fixture) reviewedDispute(t *testing.T, agreementID uuid.UUID, pct int) *models.Dispute {
	t.Helper()
	f.reviewer.reports = []*models.AIReport{{
		DamageDetected:              pct > 0,
		SeverityLevel:               "moderate",
		ConfidenceScore:             0.9,
		RecommendedPayoutPercentage: pct,
	}}

	dispute, err := f.disputes.CreateDispute(f.ctx, agreementID, f.landlord, "пятна на ковре")
	require.NoError(t, err)

	dispute, err = f.disputes.RunAIReview(f.ctx, dispute.ID, Actor{ID: f.landlord, Role: RoleLandlord})
	require.NoError(t, err)
	return dispute
}

func (f *fixture) auditActions(t *testing.T, entityID uuid.UUID) []string {
	t.Helper()
	entries, err := f.audit.EntityTrail(f.ctx, entityID, Actor{ID: f.admin, Role: RoleAdmin})
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func (f *fixture) escrow(t *testing.T, agreementID uuid.UUID) *models.EscrowTransaction {
	t.Helper()
	escrow, err := f.escrows.GetEscrow(f.ctx, agreementID, Actor{ID: f.admin, Role: RoleAdmin})
	require.NoError(t, err)
	return escrow
}

func (f *fixture) agreement(t *testing.T, agreementID uuid.UUID) *models.Agreement {
	t.Helper()
	agreement, err := f.agreements.GetAgreement(f.ctx, agreementID, Actor{ID: f.admin, Role: RoleAdmin})
	require.NoError(t, err)
	return agreement
}

func countOf(items []string, v string) int {
	n := 0
	for _, item := range items {
		if item == v {
			n++
		}
	}
	return n
}
