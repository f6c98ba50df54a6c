package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/rental-escrow/internal/models"
)

const reviewSystemPrompt = `Ты эксперт по оценке состояния арендованного жилья.
Сравни фотографии при заезде и при выезде и оцени ущерб.
Ответь строго JSON объектом без пояснений:
{"damage_detected": bool, "damage_summary": string, "severity_level": "none"|"minor"|"moderate"|"severe",
"confidence_score": число от 0 до 1, "recommended_payout_percentage": целое от 0 до 100}
recommended_payout_percentage: доля депозита, которую следует выплатить арендодателю.`

// reviewResponse допускает дробные проценты в ответе модели.
type reviewResponse struct {
	DamageDetected              bool    `json:"damage_detected"`
	DamageSummary               string  `json:"damage_summary"`
	SeverityLevel               string  `json:"severity_level"`
	ConfidenceScore             float64 `json:"confidence_score"`
	RecommendedPayoutPercentage float64 `json:"recommended_payout_percentage"`
}

// Review оценивает ущерб по причине спора и доказательствам заезда и выезда.
// Значения не нормализуются: границы проверяет вызывающий.
func (c *Client) Review(ctx context.Context, reason string, moveIn, moveOut []models.Evidence) (*models.AIReport, error) {
	messages := []map[string]string{
		{"role": "system", "content": reviewSystemPrompt},
		{"role": "user", "content": buildReviewPrompt(reason, moveIn, moveOut)},
	}

	content, err := c.chatCompletion(ctx, messages, 512, 0.2)
	if err != nil {
		return nil, err
	}

	raw, ok := extractJSON(content)
	if !ok {
		return nil, fmt.Errorf("ai: ответ не содержит JSON")
	}
	var resp reviewResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("ai: некорректный отчёт: %w", err)
	}

	return &models.AIReport{
		DamageDetected:              resp.DamageDetected,
		DamageSummary:               strings.TrimSpace(resp.DamageSummary),
		SeverityLevel:               strings.ToLower(strings.TrimSpace(resp.SeverityLevel)),
		ConfidenceScore:             resp.ConfidenceScore,
		RecommendedPayoutPercentage: int(valueobject.ClampPercentage(resp.RecommendedPayoutPercentage)),
	}, nil
}

func buildReviewPrompt(reason string, moveIn, moveOut []models.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Причина спора: %s\n", reason)
	writeEvidence(&b, "Фото при заезде", moveIn)
	writeEvidence(&b, "Фото при выезде", moveOut)
	return b.String()
}

func writeEvidence(b *strings.Builder, title string, items []models.Evidence) {
	fmt.Fprintf(b, "\n%s (%d):\n", title, len(items))
	if len(items) == 0 {
		b.WriteString("- нет\n")
		return
	}
	for _, ev := range items {
		fmt.Fprintf(b, "- %s (%s, загружено %s, sha256 %s)\n",
			ev.URL, ev.ContentType, ev.CreatedAt.Format("2006-01-02 15:04"), ev.ContentHash)
	}
}
