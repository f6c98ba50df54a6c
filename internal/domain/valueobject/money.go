package valueobject

import (
	"fmt"

	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
)

// Cents: сумма в минимальных единицах валюты.
type Cents int64

func NewDeposit(amount int64) (Cents, error) {
	if amount <= 0 {
		return 0, apperror.New(apperror.ErrCodeValidation, "сумма депозита должна быть положительной")
	}
	return Cents(amount), nil
}

func (c Cents) String() string {
	return fmt.Sprintf("%d.%02d", int64(c)/100, int64(c)%100)
}

// Percentage: целый процент в диапазоне [0,100].
type Percentage int

func NewPercentage(v int) (Percentage, error) {
	if v < 0 || v > 100 {
		return 0, apperror.New(apperror.ErrCodeValidation, "процент должен быть в диапазоне от 0 до 100")
	}
	return Percentage(v), nil
}

// ClampPercentage приводит произвольное значение к [0,100].
func ClampPercentage(v float64) Percentage {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return Percentage(v + 0.5)
}

// ClampConfidence приводит оценку уверенности к [0,1].
func ClampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Split делит депозит: landlordPct округляется до цента, остаток уходит арендатору.
type Split struct {
	TenantAmount   Cents
	LandlordAmount Cents
	TenantPct      Percentage
	LandlordPct    Percentage
}

func SplitDeposit(amount Cents, landlordPct Percentage) Split {
	landlord := (int64(amount)*int64(landlordPct) + 50) / 100
	return Split{
		TenantAmount:   amount - Cents(landlord),
		LandlordAmount: Cents(landlord),
		TenantPct:      100 - landlordPct,
		LandlordPct:    landlordPct,
	}
}

// Reputation: рейтинг стороны в [0,100].
type Reputation int

const DefaultReputation Reputation = 50

func (r Reputation) Adjust(delta int) Reputation {
	v := int(r) + delta
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return Reputation(v)
}
