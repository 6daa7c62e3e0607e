package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

func TestDefaultSOLRates(t *testing.T) {
	sched := DefaultSchedules()[domain.CurrencySOL]

	tests := []struct {
		stake string
		rate  string
	}{
		{"0.001", "0.05"},
		{"0.01", "0.05"},
		{"0.011", "0.03"},
		{"0.05", "0.03"},
		{"0.1", "0.02"},
		{"5", "0.02"},
	}
	for _, tt := range tests {
		t.Run(tt.stake, func(t *testing.T) {
			stake, _ := decimal.NewFromString(tt.stake)
			want, _ := decimal.NewFromString(tt.rate)
			assert.True(t, want.Equal(sched.Rate(stake)), "got %s", sched.Rate(stake))
		})
	}
}

func TestFeeTruncatesToScale(t *testing.T) {
	sched := FeeSchedule{Default: decimal.New(3, -2)}
	pot := decimal.New(333, 0)

	fee := sched.Fee(pot, pot.Div(decimal.New(2, 0)), 0)

	assert.Equal(t, "9", fee.String())
}

func TestPointsAreFeeFree(t *testing.T) {
	sched := DefaultSchedules()[domain.CurrencyPoints]
	fee := sched.Fee(decimal.New(200, 0), decimal.New(100, 0), 0)
	assert.True(t, fee.IsZero())
}
