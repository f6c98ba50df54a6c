package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/rental-escrow/internal/models"
)

func TestSimulated_SettleIsIdempotent(t *testing.T) {
	s := NewSimulated()
	order := models.SettlementOrder{
		EscrowID:       uuid.New(),
		PayeeID:        uuid.New(),
		AmountCents:    5000,
		IdempotencyKey: "escrow:tenant",
	}

	require.NoError(t, s.Settle(context.Background(), order))
	require.NoError(t, s.Settle(context.Background(), order))

	transfers := s.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, order, transfers[0].Order)
}

func TestSimulated_RejectsInvalidOrder(t *testing.T) {
	s := NewSimulated()

	err := s.Settle(context.Background(), models.SettlementOrder{AmountCents: 0, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	err = s.Settle(context.Background(), models.SettlementOrder{AmountCents: 10})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestSimulated_FailWith(t *testing.T) {
	s := NewSimulated()
	boom := errors.New("gateway down")
	s.FailWith(boom)

	err := s.Settle(context.Background(), models.SettlementOrder{AmountCents: 10, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.Transfers())

	s.FailWith(nil)
	assert.NoError(t, s.Settle(context.Background(), models.SettlementOrder{AmountCents: 10, IdempotencyKey: "k"}))
}
