package common

// Имена ограничений, на которые опирается ledger.
const (
	ConstraintActiveDispute   = "disputes_one_active_per_agreement"
	ConstraintEscrowAgreement = "escrow_transactions_agreement_id_key"
	ConstraintWebhookEvent    = "escrow_webhook_events_pkey"
)
