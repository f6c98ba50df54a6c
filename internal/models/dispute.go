package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
)

// AIReport: результат внешней оценки повреждений.
type AIReport struct {
	DamageDetected              bool    `json:"damage_detected"`
	DamageSummary               string  `json:"damage_summary"`
	SeverityLevel               string  `json:"severity_level"`
	ConfidenceScore             float64 `json:"confidence_score"`
	RecommendedPayoutPercentage int     `json:"recommended_payout_percentage"`
	// Error заполняется вместо отчёта, если обе попытки проверки не удались.
	Error    string     `json:"error,omitempty"`
	FailedAt *time.Time `json:"failed_at,omitempty"`
}

func (r *AIReport) IsError() bool {
	return r != nil && r.Error != ""
}

// Dispute: спор по депозиту.
type Dispute struct {
	ID                          uuid.UUID                 `db:"id" json:"id"`
	AgreementID                 uuid.UUID                 `db:"agreement_id" json:"agreement_id"`
	RaisedBy                    uuid.UUID                 `db:"raised_by" json:"raised_by"`
	Reason                      string                    `db:"reason" json:"reason"`
	Status                      valueobject.DisputeStatus `db:"status" json:"status"`
	AIReport                    *AIReport                 `db:"-" json:"ai_report,omitempty"`
	RecommendedPayoutPercentage *int                      `db:"recommended_payout_pct" json:"recommended_payout_percentage,omitempty"`
	FinalDecisionPercentage     *int                      `db:"final_decision_pct" json:"final_decision_percentage,omitempty"`
	AdminOverride               bool                      `db:"admin_override" json:"admin_override"`
	ResolvedBy                  *uuid.UUID                `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionNote              *string                   `db:"resolution_note" json:"resolution_note,omitempty"`
	CreatedAt                   time.Time                 `db:"created_at" json:"created_at"`
	ReviewedAt                  *time.Time                `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ResolvedAt                  *time.Time                `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Clone возвращает глубокую копию спора.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	c := *d
	if d.AIReport != nil {
		r := *d.AIReport
		r.FailedAt = cloneTime(d.AIReport.FailedAt)
		c.AIReport = &r
	}
	if d.RecommendedPayoutPercentage != nil {
		v := *d.RecommendedPayoutPercentage
		c.RecommendedPayoutPercentage = &v
	}
	if d.FinalDecisionPercentage != nil {
		v := *d.FinalDecisionPercentage
		c.FinalDecisionPercentage = &v
	}
	if d.ResolvedBy != nil {
		v := *d.ResolvedBy
		c.ResolvedBy = &v
	}
	if d.ResolutionNote != nil {
		v := *d.ResolutionNote
		c.ResolutionNote = &v
	}
	c.ReviewedAt = cloneTime(d.ReviewedAt)
	c.ResolvedAt = cloneTime(d.ResolvedAt)
	return &c
}
