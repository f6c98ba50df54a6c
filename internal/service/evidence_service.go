package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/rental-escrow/internal/logger"
	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/rental-escrow/internal/repository"
)

// Разрешённые типы файлов доказательств
var allowedEvidenceTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"image/heif":      true,
	"application/pdf": true,
	"video/mp4":       true,
}

// EvidenceUpload: файл доказательства от стороны договора.
type EvidenceUpload struct {
	AgreementID uuid.UUID
	UploaderID  uuid.UUID
	Type        string
	Data        []byte
}

// EvidenceService сохраняет доказательства во внешнем хранилище и проверяет их целостность.
type EvidenceService struct {
	ledger  repository.Ledger
	storage EvidenceStorage
	audit   *AuditRecorder
	now     func() time.Time
}

func NewEvidenceService(ledger repository.Ledger, storage EvidenceStorage, audit *AuditRecorder) *EvidenceService {
	return &EvidenceService{ledger: ledger, storage: storage, audit: audit, now: time.Now}
}

// Upload сохраняет файл и метаданные доказательства с sha-256 хэшем содержимого.
func (s *EvidenceService) Upload(ctx context.Context, in EvidenceUpload) (*models.Evidence, error) {
	evType, err := valueobject.NewEvidenceType(in.Type)
	if err != nil {
		return nil, err
	}
	if len(in.Data) == 0 {
		return nil, apperror.New(apperror.ErrCodeValidation, "файл не может быть пустым")
	}

	// Реальный тип определяем по магическим байтам
	kind, err := filetype.Match(in.Data)
	if err != nil || kind == filetype.Unknown {
		return nil, apperror.New(apperror.ErrCodeValidation, "не удалось определить тип файла")
	}
	contentType := kind.MIME.Value
	if !allowedEvidenceTypes[contentType] {
		return nil, apperror.Newf(apperror.ErrCodeValidation, "неподдерживаемый тип файла %s", contentType)
	}

	err = s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		agreement, err := tx.GetAgreement(ctx, in.AgreementID)
		if err != nil {
			return err
		}
		if !models.PartyOf(agreement, in.UploaderID).IsParty() {
			return apperror.ErrNotParty
		}
		switch agreement.Status {
		case valueobject.AgreementStatusActive, valueobject.AgreementStatusDisputed:
			return nil
		}
		return apperror.Newf(apperror.ErrCodeInvalidState, "доказательства принимаются только по действующему договору, статус %s", agreement.Status)
	})
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(in.Data)
	evidence := &models.Evidence{
		ID:          uuid.New(),
		AgreementID: in.AgreementID,
		UploaderID:  in.UploaderID,
		Type:        evType,
		ContentHash: hex.EncodeToString(sum[:]),
		ContentType: contentType,
	}
	evidence.StorageKey = path.Join(in.AgreementID.String(), fmt.Sprintf("%s.%s", evidence.ID, kind.Extension))

	url, err := s.storage.Put(ctx, evidence.StorageKey, in.Data, contentType)
	if err != nil {
		return nil, fmt.Errorf("evidence: put %s: %w", evidence.StorageKey, err)
	}
	evidence.URL = url

	err = s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		evidence.CreatedAt = s.now()
		if err := tx.CreateEvidence(ctx, evidence); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, in.UploaderID, models.AuditEvidenceUploaded, models.EntityEvidence, evidence.ID, map[string]any{
			"agreement_id": in.AgreementID.String(),
			"type":         string(evType),
			"content_hash": evidence.ContentHash,
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Log.WithFields(logrus.Fields{
		"evidence_id":  evidence.ID,
		"agreement_id": evidence.AgreementID,
		"type":         evidence.Type,
	}).Info("загружено доказательство")
	return evidence, nil
}

// Verify сверяет хэш хранимого файла. Недоступный файл считается нарушением целостности.
func (s *EvidenceService) Verify(ctx context.Context, evidenceID uuid.UUID, actor Actor) (*models.Evidence, error) {
	evidence, _, err := s.Download(ctx, evidenceID, actor)
	return evidence, err
}

// Download возвращает содержимое доказательства только после проверки хэша.
func (s *EvidenceService) Download(ctx context.Context, evidenceID uuid.UUID, actor Actor) (*models.Evidence, []byte, error) {
	evidence, err := s.load(ctx, evidenceID, actor)
	if err != nil {
		return nil, nil, err
	}

	data, err := s.storage.Get(ctx, evidence.StorageKey)
	if err != nil {
		logger.Log.WithError(err).WithField("evidence_id", evidenceID).Warn("файл доказательства недоступен")
		return nil, nil, apperror.Wrap(err, apperror.ErrCodeIntegrity, apperror.ErrIntegrityViolation.Message)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != evidence.ContentHash {
		logger.Log.WithField("evidence_id", evidenceID).Warn("хэш доказательства не совпадает")
		return nil, nil, apperror.ErrIntegrityViolation
	}
	return evidence, data, nil
}

// List возвращает доказательства договора в порядке загрузки.
func (s *EvidenceService) List(ctx context.Context, agreementID uuid.UUID, actor Actor) ([]models.Evidence, error) {
	var out []models.Evidence
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		agreement, err := tx.GetAgreement(ctx, agreementID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && !models.PartyOf(agreement, actor.ID).IsParty() {
			return apperror.ErrNotParty
		}
		out, err = tx.ListEvidence(ctx, agreementID)
		return err
	})
	return out, err
}

func (s *EvidenceService) load(ctx context.Context, evidenceID uuid.UUID, actor Actor) (*models.Evidence, error) {
	var evidence *models.Evidence
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		ev, err := tx.GetEvidence(ctx, evidenceID)
		if err != nil {
			return err
		}
		agreement, err := tx.GetAgreement(ctx, ev.AgreementID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && !models.PartyOf(agreement, actor.ID).IsParty() {
			return apperror.ErrNotParty
		}
		evidence = ev
		return nil
	})
	return evidence, err
}
