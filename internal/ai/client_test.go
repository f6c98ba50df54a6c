package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/rental-escrow/internal/models"
)

func completionServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "test-model", payload["model"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 400 {
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "unavailable"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		})
	}))
}

func testEvidence(kind string) []models.Evidence {
	return []models.Evidence{{
		ID:          uuid.New(),
		URL:         "/evidence-files/" + kind + ".jpg",
		ContentType: "image/jpeg",
		ContentHash: "abc",
		CreatedAt:   time.Now(),
	}}
}

func TestClient_Review_ParsesReport(t *testing.T) {
	srv := completionServer(t, `{"damage_detected": true, "damage_summary": " Пятно на полу ", "severity_level": "Moderate",
		"confidence_score": 0.8, "recommended_payout_percentage": 69.6}`, http.StatusOK)
	defer srv.Close()

	client := NewClient(srv.URL, "test-model", "test-key")
	report, err := client.Review(context.Background(), "пятно", testEvidence("in"), testEvidence("out"))

	require.NoError(t, err)
	assert.True(t, report.DamageDetected)
	assert.Equal(t, "Пятно на полу", report.DamageSummary)
	assert.Equal(t, "moderate", report.SeverityLevel)
	assert.InDelta(t, 0.8, report.ConfidenceScore, 1e-9)
	assert.Equal(t, 70, report.RecommendedPayoutPercentage)
}

func TestClient_Review_MarkdownWrappedJSON(t *testing.T) {
	content := "Вот оценка:\n```json\n{\"damage_detected\": false, \"confidence_score\": 0.9, \"recommended_payout_percentage\": 0}\n```"
	srv := completionServer(t, content, http.StatusOK)
	defer srv.Close()

	client := NewClient(srv.URL+"/", "test-model", "test-key")
	report, err := client.Review(context.Background(), "нет ущерба", nil, nil)

	require.NoError(t, err)
	assert.False(t, report.DamageDetected)
	assert.Equal(t, 0, report.RecommendedPayoutPercentage)
}

func TestClient_Review_ClampsOutOfRangePercentage(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int
	}{
		{"огромное значение", "1e300", 100},
		{"чуть больше ста", "100.4", 100},
		{"отрицательное", "-1e300", 0},
		{"дробное в диапазоне", "12.5", 13},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := completionServer(t, `{"damage_detected": true, "severity_level": "severe",
				"confidence_score": 0.7, "recommended_payout_percentage": `+tc.raw+`}`, http.StatusOK)
			defer srv.Close()

			client := NewClient(srv.URL, "test-model", "test-key")
			report, err := client.Review(context.Background(), "пятно", nil, nil)

			require.NoError(t, err)
			assert.Equal(t, tc.want, report.RecommendedPayoutPercentage)
		})
	}
}

func TestClient_Review_ServerError(t *testing.T) {
	srv := completionServer(t, "", http.StatusServiceUnavailable)
	defer srv.Close()

	client := NewClient(srv.URL, "test-model", "test-key")
	_, err := client.Review(context.Background(), "пятно", nil, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_Review_NoJSON(t *testing.T) {
	srv := completionServer(t, "не могу оценить", http.StatusOK)
	defer srv.Close()

	client := NewClient(srv.URL, "test-model", "test-key")
	_, err := client.Review(context.Background(), "пятно", nil, nil)

	require.Error(t, err)
}

func TestClient_Review_RespectsContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-model", "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Review(ctx, "пятно", nil, nil)

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_Review_EmptyBaseURL(t *testing.T) {
	client := NewClient("", "", "")
	_, err := client.Review(context.Background(), "пятно", nil, nil)
	require.Error(t, err)
}

func TestBuildReviewPrompt_ListsEvidenceGroups(t *testing.T) {
	prompt := buildReviewPrompt("царапины", testEvidence("in"), nil)

	assert.Contains(t, prompt, "Причина спора: царапины")
	assert.Contains(t, prompt, "/evidence-files/in.jpg")
	assert.Contains(t, prompt, "Фото при выезде (0)")
}
