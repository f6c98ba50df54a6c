package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/rental-escrow/internal/repository/common"
)

// PostgresLedger: Ledger поверх PostgreSQL. Транзакции идут на READ COMMITTED,
// а все чтения внутри InTx берут строку FOR UPDATE в порядке escrow → agreement → dispute.
type PostgresLedger struct {
	db         *sqlx.DB
	maxRetries int
}

func NewPostgresLedger(db *sqlx.DB, maxRetries int) *PostgresLedger {
	return &PostgresLedger{db: db, maxRetries: maxRetries}
}

func (l *PostgresLedger) InTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	return common.WithTransaction(ctx, l.db, opts, l.maxRetries, func(tx *sqlx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

type pgTx struct {
	tx *sqlx.Tx
}

const agreementColumns = `id, tenant_id, landlord_id, property_id, lease_start, lease_end,
	deposit_cents, status, created_at, updated_at`

func (t *pgTx) CreateAgreement(ctx context.Context, a *models.Agreement) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO agreements (id, tenant_id, landlord_id, property_id, lease_start, lease_end, deposit_cents, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, a.ID, a.TenantID, a.LandlordID, a.PropertyID, a.LeaseStart, a.LeaseEnd, a.DepositCents, a.Status).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ledger repository: create agreement %w", err)
	}
	return nil
}

func (t *pgTx) GetAgreement(ctx context.Context, id uuid.UUID) (*models.Agreement, error) {
	a, err := common.GetOne[models.Agreement](ctx, t.tx, apperror.ErrAgreementNotFound,
		`SELECT `+agreementColumns+` FROM agreements WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, wrapNotDomain("get agreement", err)
	}
	return a, nil
}

func (t *pgTx) UpdateAgreementStatus(ctx context.Context, id uuid.UUID, status valueobject.AgreementStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE agreements SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("ledger repository: update agreement status %w", err)
	}
	return requireRow(res, apperror.ErrAgreementNotFound)
}

const escrowColumns = `id, agreement_id, amount_cents, status, webhook_verified, locked_at, released_at,
	release_requested_by_tenant, release_requested_by_landlord, tenant_amount_cents, landlord_amount_cents,
	created_at, updated_at`

func (t *pgTx) CreateEscrow(ctx context.Context, e *models.EscrowTransaction) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO escrow_transactions (id, agreement_id, amount_cents, status, webhook_verified)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, e.ID, e.AgreementID, e.AmountCents, e.Status, e.WebhookVerified).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if common.IsUniqueViolation(err, common.ConstraintEscrowAgreement) {
			return apperror.Wrap(err, apperror.ErrCodeConflict, "escrow для договора уже создан")
		}
		return fmt.Errorf("ledger repository: create escrow %w", err)
	}
	return nil
}

func (t *pgTx) GetEscrow(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	return t.loadEscrow(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) GetEscrowByAgreement(ctx context.Context, agreementID uuid.UUID) (*models.EscrowTransaction, error) {
	return t.loadEscrow(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE agreement_id = $1 FOR UPDATE`, agreementID)
}

func (t *pgTx) loadEscrow(ctx context.Context, query string, arg uuid.UUID) (*models.EscrowTransaction, error) {
	e, err := common.GetOne[models.EscrowTransaction](ctx, t.tx, apperror.ErrEscrowNotFound, query, arg)
	if err != nil {
		return nil, wrapNotDomain("get escrow", err)
	}

	var rows []escrowEventRow
	if err := t.tx.SelectContext(ctx, &rows,
		`SELECT event, metadata, created_at FROM escrow_events WHERE escrow_id = $1 ORDER BY id`, e.ID); err != nil {
		return nil, fmt.Errorf("ledger repository: list escrow events %w", err)
	}
	e.Events = make([]models.EscrowEvent, 0, len(rows))
	for _, row := range rows {
		ev := models.EscrowEvent{Event: row.Event, CreatedAt: row.CreatedAt}
		if ev.Metadata, err = decodeMetadata(row.Metadata); err != nil {
			return nil, fmt.Errorf("ledger repository: decode escrow event %w", err)
		}
		e.Events = append(e.Events, ev)
	}

	if err := t.tx.SelectContext(ctx, &e.WebhookEventIDs,
		`SELECT event_id FROM escrow_webhook_events WHERE escrow_id = $1 ORDER BY processed_at`, e.ID); err != nil {
		return nil, fmt.Errorf("ledger repository: list webhook events %w", err)
	}
	return e, nil
}

type escrowEventRow struct {
	Event     string    `db:"event"`
	Metadata  []byte    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

func (t *pgTx) SaveEscrow(ctx context.Context, e *models.EscrowTransaction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			status = $2,
			webhook_verified = $3,
			locked_at = $4,
			released_at = $5,
			release_requested_by_tenant = $6,
			release_requested_by_landlord = $7,
			tenant_amount_cents = $8,
			landlord_amount_cents = $9,
			updated_at = NOW()
		WHERE id = $1
	`, e.ID, e.Status, e.WebhookVerified, e.LockedAt, e.ReleasedAt,
		e.ReleaseRequestedByTenant, e.ReleaseRequestedByLandlord, e.TenantAmountCents, e.LandlordAmountCents)
	if err != nil {
		return fmt.Errorf("ledger repository: save escrow %w", err)
	}
	return requireRow(res, apperror.ErrEscrowNotFound)
}

func (t *pgTx) AppendEscrowEvent(ctx context.Context, escrowID uuid.UUID, ev models.EscrowEvent) error {
	meta, err := encodeMetadata(ev.Metadata)
	if err != nil {
		return err
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO escrow_events (escrow_id, event, metadata, created_at) VALUES ($1, $2, $3, $4)`,
		escrowID, ev.Event, meta, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger repository: append escrow event %w", err)
	}
	return nil
}

func (t *pgTx) RecordWebhookEvent(ctx context.Context, escrowID uuid.UUID, eventID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrow_webhook_events (event_id, escrow_id) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, escrowID)
	if err != nil {
		return false, fmt.Errorf("ledger repository: record webhook event %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const disputeColumns = `id, agreement_id, raised_by, reason, status, ai_report, recommended_payout_pct,
	final_decision_pct, admin_override, resolved_by, resolution_note, created_at, reviewed_at, resolved_at`

type disputeRow struct {
	models.Dispute
	AIReportRaw []byte `db:"ai_report"`
}

func (r *disputeRow) toModel() (*models.Dispute, error) {
	d := r.Dispute
	if len(r.AIReportRaw) > 0 {
		var report models.AIReport
		if err := json.Unmarshal(r.AIReportRaw, &report); err != nil {
			return nil, fmt.Errorf("ledger repository: decode ai report %w", err)
		}
		d.AIReport = &report
	}
	return &d, nil
}

func (t *pgTx) CreateDispute(ctx context.Context, d *models.Dispute) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO disputes (id, agreement_id, raised_by, reason, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, d.ID, d.AgreementID, d.RaisedBy, d.Reason, d.Status).Scan(&d.CreatedAt)
	if err != nil {
		if common.IsUniqueViolation(err, common.ConstraintActiveDispute) {
			return apperror.ErrActiveDispute
		}
		return fmt.Errorf("ledger repository: create dispute %w", err)
	}
	return nil
}

func (t *pgTx) GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	row, err := common.GetOne[disputeRow](ctx, t.tx, apperror.ErrDisputeNotFound,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, wrapNotDomain("get dispute", err)
	}
	return row.toModel()
}

func (t *pgTx) SaveDispute(ctx context.Context, d *models.Dispute) error {
	var report *string
	if d.AIReport != nil {
		raw, err := json.Marshal(d.AIReport)
		if err != nil {
			return fmt.Errorf("ledger repository: encode ai report %w", err)
		}
		v := string(raw)
		report = &v
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2,
			ai_report = $3,
			recommended_payout_pct = $4,
			final_decision_pct = $5,
			admin_override = $6,
			resolved_by = $7,
			resolution_note = $8,
			reviewed_at = $9,
			resolved_at = $10
		WHERE id = $1
	`, d.ID, d.Status, report, d.RecommendedPayoutPercentage, d.FinalDecisionPercentage,
		d.AdminOverride, d.ResolvedBy, d.ResolutionNote, d.ReviewedAt, d.ResolvedAt)
	if err != nil {
		if common.IsUniqueViolation(err, common.ConstraintActiveDispute) {
			return apperror.ErrActiveDispute
		}
		return fmt.Errorf("ledger repository: save dispute %w", err)
	}
	return requireRow(res, apperror.ErrDisputeNotFound)
}

func (t *pgTx) FindActiveDispute(ctx context.Context, agreementID uuid.UUID) (*models.Dispute, error) {
	return t.findDispute(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE agreement_id = $1 AND status IN ('open', 'ai_reviewed')
		FOR UPDATE`, agreementID)
}

func (t *pgTx) FindResolvedDispute(ctx context.Context, agreementID uuid.UUID) (*models.Dispute, error) {
	return t.findDispute(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE agreement_id = $1 AND status = 'resolved'
		ORDER BY created_at DESC LIMIT 1`, agreementID)
}

func (t *pgTx) findDispute(ctx context.Context, query string, agreementID uuid.UUID) (*models.Dispute, error) {
	var row disputeRow
	if err := t.tx.GetContext(ctx, &row, query, agreementID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger repository: find dispute %w", err)
	}
	return row.toModel()
}

func (t *pgTx) ListDisputes(ctx context.Context, agreementID uuid.UUID) ([]models.Dispute, error) {
	var rows []disputeRow
	if err := t.tx.SelectContext(ctx, &rows,
		`SELECT `+disputeColumns+` FROM disputes WHERE agreement_id = $1 ORDER BY created_at`, agreementID); err != nil {
		return nil, fmt.Errorf("ledger repository: list disputes %w", err)
	}
	out := make([]models.Dispute, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

const evidenceColumns = `id, agreement_id, uploader_id, type, content_hash, storage_key, url, content_type, created_at`

func (t *pgTx) CreateEvidence(ctx context.Context, ev *models.Evidence) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO evidence (id, agreement_id, uploader_id, type, content_hash, storage_key, url, content_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, ev.ID, ev.AgreementID, ev.UploaderID, ev.Type, ev.ContentHash, ev.StorageKey, ev.URL, ev.ContentType).
		Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger repository: create evidence %w", err)
	}
	return nil
}

func (t *pgTx) GetEvidence(ctx context.Context, id uuid.UUID) (*models.Evidence, error) {
	ev, err := common.GetOne[models.Evidence](ctx, t.tx, apperror.ErrEvidenceNotFound,
		`SELECT `+evidenceColumns+` FROM evidence WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotDomain("get evidence", err)
	}
	return ev, nil
}

func (t *pgTx) ListEvidence(ctx context.Context, agreementID uuid.UUID) ([]models.Evidence, error) {
	out := make([]models.Evidence, 0)
	if err := t.tx.SelectContext(ctx, &out,
		`SELECT `+evidenceColumns+` FROM evidence WHERE agreement_id = $1 ORDER BY created_at`, agreementID); err != nil {
		return nil, fmt.Errorf("ledger repository: list evidence %w", err)
	}
	return out, nil
}

func (t *pgTx) GetReputation(ctx context.Context, userID uuid.UUID) (valueobject.Reputation, error) {
	var score int
	err := t.tx.GetContext(ctx, &score, `SELECT score FROM user_reputation WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return valueobject.DefaultReputation, nil
		}
		return 0, fmt.Errorf("ledger repository: get reputation %w", err)
	}
	return valueobject.Reputation(score), nil
}

func (t *pgTx) SetReputation(ctx context.Context, userID uuid.UUID, score valueobject.Reputation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_reputation (user_id, score) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET score = EXCLUDED.score, updated_at = NOW()
	`, userID, int(score))
	if err != nil {
		return fmt.Errorf("ledger repository: set reputation %w", err)
	}
	return nil
}

type auditRow struct {
	models.AuditEntry
	MetadataRaw []byte `db:"metadata"`
}

func (t *pgTx) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	meta, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	err = t.tx.QueryRowxContext(ctx, `
		INSERT INTO audit_log (id, actor_id, action, entity_type, entity_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, entry.ID, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, meta).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger repository: append audit %w", err)
	}
	return nil
}

func (t *pgTx) ListAudit(ctx context.Context, entityID uuid.UUID) ([]models.AuditEntry, error) {
	var rows []auditRow
	if err := t.tx.SelectContext(ctx, &rows, `
		SELECT id, actor_id, action, entity_type, entity_id, metadata, created_at
		FROM audit_log WHERE entity_id = $1 ORDER BY seq
	`, entityID); err != nil {
		return nil, fmt.Errorf("ledger repository: list audit %w", err)
	}
	out := make([]models.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry := row.AuditEntry
		meta, err := decodeMetadata(row.MetadataRaw)
		if err != nil {
			return nil, fmt.Errorf("ledger repository: decode audit metadata %w", err)
		}
		entry.Metadata = meta
		out = append(out, entry)
	}
	return out, nil
}

func (t *pgTx) EnqueuePayout(ctx context.Context, job *models.PayoutJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO payout_outbox (id, escrow_id, reason) VALUES ($1, $2, $3)
		RETURNING created_at, available_at
	`, job.ID, job.EscrowID, job.Reason).Scan(&job.CreatedAt, &job.AvailableAt)
	if err != nil {
		return fmt.Errorf("ledger repository: enqueue payout %w", err)
	}
	return nil
}

// ClaimPayoutJobs берёт задачи, готовые к отправке; параллельные релеи пропускают уже захваченные строки.
func (t *pgTx) ClaimPayoutJobs(ctx context.Context, now, leaseBefore time.Time, limit int) ([]models.PayoutJob, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]models.PayoutJob, 0)
	if err := t.tx.SelectContext(ctx, &out, `
		SELECT id, escrow_id, reason, attempts, created_at, available_at, dispatched_at, completed_at
		FROM payout_outbox
		WHERE completed_at IS NULL
		  AND available_at <= $1
		  AND (dispatched_at IS NULL OR dispatched_at < $2)
		ORDER BY available_at, created_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, now, leaseBefore, limit); err != nil {
		return nil, fmt.Errorf("ledger repository: claim payout jobs %w", err)
	}
	return out, nil
}

func (t *pgTx) MarkPayoutDispatched(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE payout_outbox SET dispatched_at = $2 WHERE id = $1`, jobID, at)
	if err != nil {
		return fmt.Errorf("ledger repository: mark payout dispatched %w", err)
	}
	return requireRow(res, errPayoutJobNotFound)
}

func (t *pgTx) CompletePayoutJob(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE payout_outbox SET completed_at = COALESCE(completed_at, $2) WHERE id = $1`, jobID, at)
	if err != nil {
		return fmt.Errorf("ledger repository: complete payout job %w", err)
	}
	return requireRow(res, errPayoutJobNotFound)
}

func (t *pgTx) RetryPayoutJob(ctx context.Context, jobID uuid.UUID, availableAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payout_outbox
		SET attempts = attempts + CASE WHEN completed_at IS NULL THEN 1 ELSE 0 END,
			available_at = CASE WHEN completed_at IS NULL THEN $2 ELSE available_at END,
			dispatched_at = CASE WHEN completed_at IS NULL THEN NULL ELSE dispatched_at END
		WHERE id = $1
	`, jobID, availableAt)
	if err != nil {
		return fmt.Errorf("ledger repository: retry payout job %w", err)
	}
	return requireRow(res, errPayoutJobNotFound)
}

var errPayoutJobNotFound = apperror.New(apperror.ErrCodeNotFound, "задача выплаты не найдена")

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// wrapNotDomain добавляет контекст только к ошибкам драйвера, доменные возвращаются как есть.
func wrapNotDomain(op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return fmt.Errorf("ledger repository: %s %w", op, err)
}

// encodeMetadata отдаёт jsonb строкой: lib/pq передаёт []byte как bytea.
func encodeMetadata(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ledger repository: encode metadata %w", err)
	}
	v := string(raw)
	return &v, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
