package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/rental-escrow/internal/logger"
	"github.com/ignatzorin/rental-escrow/internal/models"
)

// Роли пользователей в токене доступа.
const (
	RoleTenant   = "tenant"
	RoleLandlord = "landlord"
	RoleAdmin    = "admin"
)

// Actor: аутентифицированный пользователь, от имени которого выполняется операция.
type Actor struct {
	ID   uuid.UUID
	Role string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Reviewer: внешняя модель оценки повреждений.
type Reviewer interface {
	Review(ctx context.Context, reason string, moveIn, moveOut []models.Evidence) (*models.AIReport, error)
}

// Settlement: бэкенд перевода средств стороне.
type Settlement interface {
	Settle(ctx context.Context, order models.SettlementOrder) error
}

// EvidenceStorage: хранилище файлов доказательств.
type EvidenceStorage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Notifier доставляет события пользователям. Вызывается только после фиксации транзакции.
type Notifier interface {
	BroadcastToUser(userID uuid.UUID, event string, data any) error
}

type nopNotifier struct{}

func (nopNotifier) BroadcastToUser(uuid.UUID, string, any) error { return nil }

// notification: отложенное уведомление, отправляемое после commit.
type notification struct {
	userIDs []uuid.UUID
	event   string
	data    any
}

func partiesNotification(a *models.Agreement, event string, data any) notification {
	return notification{userIDs: []uuid.UUID{a.TenantID, a.LandlordID}, event: event, data: data}
}

func dispatch(n Notifier, pending ...notification) {
	for _, p := range pending {
		for _, id := range p.userIDs {
			if err := n.BroadcastToUser(id, p.event, p.data); err != nil {
				logNotifyError(id, p.event, err)
			}
		}
	}
}

func logNotifyError(userID uuid.UUID, event string, err error) {
	logger.Log.WithFields(logrus.Fields{
		"user_id": userID,
		"event":   event,
	}).WithError(err).Warn("не удалось отправить уведомление")
}
