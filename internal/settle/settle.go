// Package settle splits a betting pool on an arena outcome.
//
// Settlement is pari-mutuel: every stake goes into one pool, a fee in basis
// points is taken, and bettors who picked the winner share the rest in
// proportion to their stakes. All arithmetic is exact decimal.
package settle

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/MJE43/rps-arena-replay/internal/arena"
)

// Precision is the number of decimal places payouts are rounded down to.
const Precision int32 = 18

// MaxFeeBps is a 100% fee.
const MaxFeeBps = 10_000

var (
	ErrNoBets     = errors.New("no bets")
	ErrInvalidBet = errors.New("invalid bet")
	ErrInvalidFee = errors.New("invalid fee")
)

// Bet is one stake on a type.
type Bet struct {
	Bettor string           `json:"bettor"`
	Pick   arena.ObjectType `json:"pick"`
	Amount decimal.Decimal  `json:"amount"`
}

// Payout is what one bet returns. Refund is set when the stake is returned
// because the pool could not be settled on a winner.
type Payout struct {
	Bettor string           `json:"bettor"`
	Pick   arena.ObjectType `json:"pick"`
	Stake  decimal.Decimal  `json:"stake"`
	Payout decimal.Decimal  `json:"payout"`
	Refund bool             `json:"refund,omitempty"`
}

// Settlement is the full split of a pool. Payouts are in bet order, and
// Fee plus the sum of payouts always equals Pool.
type Settlement struct {
	Winner   *arena.ObjectType                    `json:"winner"`
	Pool     decimal.Decimal                      `json:"pool"`
	ByType   map[arena.ObjectType]decimal.Decimal `json:"by_type"`
	Fee      decimal.Decimal                      `json:"fee"`
	Refunded bool                                 `json:"refunded"`
	Payouts  []Payout                             `json:"payouts"`
}

// Validate checks a single bet.
func (b Bet) Validate() error {
	if !b.Pick.Valid() {
		return fmt.Errorf("%w: unknown pick %q", ErrInvalidBet, b.Pick)
	}
	if !b.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidBet, b.Amount)
	}
	if !b.Amount.Equal(b.Amount.Truncate(Precision)) {
		return fmt.Errorf("%w: amount %s has more than %d decimal places", ErrInvalidBet, b.Amount, Precision)
	}
	return nil
}

// Settle splits bets on winner. A nil winner, or a winner nobody picked,
// refunds every stake with no fee.
func Settle(bets []Bet, winner *arena.ObjectType, feeBps int64) (*Settlement, error) {
	if len(bets) == 0 {
		return nil, ErrNoBets
	}
	if feeBps < 0 || feeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: fee must be between 0 and %d bps, got %d", ErrInvalidFee, MaxFeeBps, feeBps)
	}
	if winner != nil && !winner.Valid() {
		return nil, fmt.Errorf("%w: unknown winner %q", ErrInvalidBet, *winner)
	}

	s := &Settlement{
		Winner:  winner,
		Pool:    decimal.Zero,
		Fee:     decimal.Zero,
		ByType:  make(map[arena.ObjectType]decimal.Decimal, len(arena.Types)),
		Payouts: make([]Payout, len(bets)),
	}
	for _, t := range arena.Types {
		s.ByType[t] = decimal.Zero
	}
	for i, b := range bets {
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("bet %d: %w", i, err)
		}
		s.Pool = s.Pool.Add(b.Amount)
		s.ByType[b.Pick] = s.ByType[b.Pick].Add(b.Amount)
		s.Payouts[i] = Payout{Bettor: b.Bettor, Pick: b.Pick, Stake: b.Amount, Payout: decimal.Zero}
	}

	var winning decimal.Decimal
	if winner != nil {
		winning = s.ByType[*winner]
	}
	if winner == nil || winning.IsZero() {
		s.Refunded = true
		for i := range s.Payouts {
			s.Payouts[i].Payout = s.Payouts[i].Stake
			s.Payouts[i].Refund = true
		}
		return s, nil
	}

	// Basis points divide exactly by shifting four places.
	fee := s.Pool.Mul(decimal.NewFromInt(feeBps)).Shift(-4)
	net := s.Pool.Sub(fee)

	distributed := decimal.Zero
	for i := range s.Payouts {
		p := &s.Payouts[i]
		if p.Pick != *winner {
			continue
		}
		share, _ := net.Mul(p.Stake).QuoRem(winning, Precision)
		p.Payout = share
		distributed = distributed.Add(share)
	}

	// Rounding dust goes to the fee so the pool balances exactly.
	s.Fee = s.Pool.Sub(distributed)
	return s, nil
}

// Total returns the sum of all payouts.
func (s *Settlement) Total() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Payouts {
		total = total.Add(p.Payout)
	}
	return total
}
