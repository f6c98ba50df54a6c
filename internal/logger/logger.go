package logger

import (
	"github.com/sirupsen/logrus"
)

// Log: общий логгер приложения. До вызова Init пишет в text формате на уровне info.
var Log = logrus.New()

// Init настраивает уровень и формат логгера.
func Init(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Log.SetLevel(lvl)

	// JSON для production, text для development
	Log.SetFormatter(&logrus.JSONFormatter{})
}

// SetTextFormatter устанавливает текстовый формат логов (для development).
func SetTextFormatter() {
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// WithEscrow возвращает запись с полями escrow для логов переходов состояния.
func WithEscrow(escrowID, agreementID any) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		"escrow_id":    escrowID,
		"agreement_id": agreementID,
	})
}
