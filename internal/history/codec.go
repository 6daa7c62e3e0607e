// Package history turns match_finished facts into game history rows and
// archives old rows to object storage.
package history

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// Field numbers of the match_finished wire record. Numbers are never reused.
const (
	fieldMatchID     protowire.Number = 1
	fieldPlayer1     protowire.Number = 2
	fieldPlayer2     protowire.Number = 3
	fieldWinner      protowire.Number = 4
	fieldCurrency    protowire.Number = 5
	fieldStake       protowire.Number = 6
	fieldPot         protowire.Number = 7
	fieldFee         protowire.Number = 8
	fieldPayout      protowire.Number = 9
	fieldStatus      protowire.Number = 10
	fieldReason      protowire.Number = 11
	fieldRounds      protowire.Number = 12
	fieldStartedAt   protowire.Number = 13
	fieldCompletedAt protowire.Number = 14
)

// Encode serialises a fact as a protobuf-wire message. Decimal amounts travel
// as their canonical string so no precision is lost.
func Encode(f domain.MatchFinished) []byte {
	var b []byte
	b = appendString(b, fieldMatchID, f.MatchID)
	b = appendString(b, fieldPlayer1, f.Player1)
	b = appendString(b, fieldPlayer2, f.Player2)
	b = appendString(b, fieldWinner, f.Winner)
	b = appendString(b, fieldCurrency, string(f.Currency))
	b = appendString(b, fieldStake, f.Stake.String())
	b = appendString(b, fieldPot, f.Pot.String())
	b = appendString(b, fieldFee, f.Fee.String())
	b = appendString(b, fieldPayout, f.Payout.String())
	b = appendString(b, fieldStatus, string(f.Status))
	b = appendString(b, fieldReason, string(f.Reason))
	if f.Rounds > 0 {
		b = protowire.AppendTag(b, fieldRounds, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Rounds))
	}
	b = appendTime(b, fieldStartedAt, f.StartedAt)
	b = appendTime(b, fieldCompletedAt, f.CompletedAt)
	return b
}

// Decode parses a message produced by Encode. Unknown fields are skipped.
func Decode(b []byte) (domain.MatchFinished, error) {
	var f domain.MatchFinished
	f.Stake, f.Pot, f.Fee, f.Payout = decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("history: decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return f, fmt.Errorf("history: decode field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
			if err := setString(&f, num, v); err != nil {
				return f, err
			}
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return f, fmt.Errorf("history: decode field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
			setVarint(&f, num, v)
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return f, fmt.Errorf("history: skip field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}

	if f.MatchID == "" {
		return f, fmt.Errorf("%w: history: record has no match id", domain.ErrValidation)
	}
	return f, nil
}

func setString(f *domain.MatchFinished, num protowire.Number, v string) error {
	var err error
	switch num {
	case fieldMatchID:
		f.MatchID = v
	case fieldPlayer1:
		f.Player1 = v
	case fieldPlayer2:
		f.Player2 = v
	case fieldWinner:
		f.Winner = v
	case fieldCurrency:
		f.Currency = domain.Currency(v)
	case fieldStake:
		f.Stake, err = decimal.NewFromString(v)
	case fieldPot:
		f.Pot, err = decimal.NewFromString(v)
	case fieldFee:
		f.Fee, err = decimal.NewFromString(v)
	case fieldPayout:
		f.Payout, err = decimal.NewFromString(v)
	case fieldStatus:
		f.Status = domain.GameStatus(v)
	case fieldReason:
		f.Reason = domain.FinishReason(v)
	}
	if err != nil {
		return fmt.Errorf("%w: history: amount field %d: %v", domain.ErrValidation, num, err)
	}
	return nil
}

func setVarint(f *domain.MatchFinished, num protowire.Number, v uint64) {
	switch num {
	case fieldRounds:
		f.Rounds = int(v)
	case fieldStartedAt:
		f.StartedAt = time.Unix(0, int64(v)).UTC()
	case fieldCompletedAt:
		f.CompletedAt = time.Unix(0, int64(v)).UTC()
	}
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixNano()))
}
