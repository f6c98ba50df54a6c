package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
)

// Evidence: метаданные загруженного доказательства; сам файл лежит во внешнем хранилище.
type Evidence struct {
	ID          uuid.UUID                `db:"id" json:"id"`
	AgreementID uuid.UUID                `db:"agreement_id" json:"agreement_id"`
	UploaderID  uuid.UUID                `db:"uploader_id" json:"uploader_id"`
	Type        valueobject.EvidenceType `db:"type" json:"type"`
	ContentHash string                   `db:"content_hash" json:"content_hash"`
	StorageKey  string                   `db:"storage_key" json:"-"`
	URL         string                   `db:"url" json:"url"`
	ContentType string                   `db:"content_type" json:"content_type"`
	CreatedAt   time.Time                `db:"created_at" json:"created_at"`
}
