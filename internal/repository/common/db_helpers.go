package common

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
)

// Коды ошибок PostgreSQL, которые обрабатываются особо.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

// GetOne выполняет запрос одной строки и превращает sql.ErrNoRows в notFoundErr.
func GetOne[T any](ctx context.Context, q sqlx.QueryerContext, notFoundErr error, query string, args ...any) (*T, error) {
	var entity T
	if err := sqlx.GetContext(ctx, q, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundErr
		}
		return nil, err
	}
	return &entity, nil
}

// WithTransaction выполняет fn внутри транзакции и повторяет её при конфликте сериализации
// или дедлоке. После maxRetries повторов возвращается apperror.ErrTxConflict.
func WithTransaction(ctx context.Context, db *sqlx.DB, opts *sql.TxOptions, maxRetries int, fn func(*sqlx.Tx) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = runOnce(ctx, db, opts, fn)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return MapError(lastErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return apperror.Wrap(lastErr, apperror.ErrCodeConflict, apperror.ErrTxConflict.Message)
}

func runOnce(ctx context.Context, db *sqlx.DB, opts *sql.TxOptions, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			// При панике откатываем транзакцию
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("tx error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsRetryable сообщает, можно ли повторить транзакцию целиком.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
}

// IsUniqueViolation сообщает о нарушении уникального индекса.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// MapError оставляет доменные ошибки как есть, остальное помечает как ошибку БД.
func MapError(err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if IsUniqueViolation(err, "") {
		return apperror.Wrap(err, apperror.ErrCodeConflict, "запись уже существует")
	}
	return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "ошибка хранилища")
}
