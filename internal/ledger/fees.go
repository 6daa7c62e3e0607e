package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// FeeTier applies Rate to stakes at or below UpTo.
type FeeTier struct {
	UpTo decimal.Decimal
	Rate decimal.Decimal
}

// FeeSchedule is a stake-tiered fee table. Lower stakes pay a higher rate.
// Stakes above every tier pay Default.
type FeeSchedule struct {
	Tiers   []FeeTier
	Default decimal.Decimal
}

// Rate returns the fee rate for a per-player stake.
func (s FeeSchedule) Rate(stake decimal.Decimal) decimal.Decimal {
	tiers := make([]FeeTier, len(s.Tiers))
	copy(tiers, s.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].UpTo.LessThan(tiers[j].UpTo) })

	for _, t := range tiers {
		if stake.LessThanOrEqual(t.UpTo) {
			return t.Rate
		}
	}
	return s.Default
}

// Fee computes the fee on pot, truncated to scale decimal places so the
// remainder always goes to the winner.
func (s FeeSchedule) Fee(pot, stake decimal.Decimal, scale int32) decimal.Decimal {
	return pot.Mul(s.Rate(stake)).Truncate(scale)
}

// DefaultSchedules returns the production fee tables: 5% up to 0.01 SOL, 3%
// up to 0.05 SOL and 2% above. Points matches are fee free.
func DefaultSchedules() map[domain.Currency]FeeSchedule {
	return map[domain.Currency]FeeSchedule{
		domain.CurrencySOL: {
			Tiers: []FeeTier{
				{UpTo: decimal.New(1, -2), Rate: decimal.New(5, -2)},
				{UpTo: decimal.New(5, -2), Rate: decimal.New(3, -2)},
			},
			Default: decimal.New(2, -2),
		},
		domain.CurrencyPoints: {Default: decimal.Zero},
	}
}
