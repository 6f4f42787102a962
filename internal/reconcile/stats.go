package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/iliyamo/workshop-billing/internal/model"
)

// Fold computes statistics from scratch.  It is the reference the
// incremental updates below must agree with.
func Fold(ps []model.Participant) model.Statistics {
	s := emptyStats()
	for _, p := range ps {
		add(&s, p)
	}
	return s
}

func emptyStats() model.Statistics {
	return model.Statistics{
		TotalAmount:  decimal.Zero,
		PaidAmount:   decimal.Zero,
		UnpaidAmount: decimal.Zero,
		CashAmount:   decimal.Zero,
		StylesStats:  map[string]int{},
		OptionsStats: map[string]int{},
	}
}

// add folds one participant into s.
func add(s *model.Statistics, p model.Participant) {
	s.TotalParticipants++
	s.TotalAmount = s.TotalAmount.Add(p.TotalAmount)
	addPayment(s, p, 1)
	for _, st := range p.Styles {
		s.StylesStats[st.Name]++
	}
	for _, o := range p.Options {
		s.OptionsStats[o.Name]++
	}
}

// subtract removes one participant from s.  Counters and amounts never go
// below zero even if s had drifted.
func subtract(s *model.Statistics, p model.Participant) {
	if s.TotalParticipants > 0 {
		s.TotalParticipants--
	}
	s.TotalAmount = s.TotalAmount.Sub(p.TotalAmount)
	addPayment(s, p, -1)
	for _, st := range p.Styles {
		decrement(s.StylesStats, st.Name)
	}
	for _, o := range p.Options {
		decrement(s.OptionsStats, o.Name)
	}
	clamp(s)
}

// addPayment moves p's amount into the paid/unpaid (and cash) buckets,
// with sign +1 to add and -1 to remove.
func addPayment(s *model.Statistics, p model.Participant, sign int64) {
	amt := p.TotalAmount.Mul(decimal.NewFromInt(sign))
	if p.IsPaid {
		s.PaidAmount = s.PaidAmount.Add(amt)
		if p.IsCash() {
			s.CashAmount = s.CashAmount.Add(amt)
		}
	} else {
		s.UnpaidAmount = s.UnpaidAmount.Add(amt)
	}
}

// applyPaymentChange is the delta for one participant changing its
// payment state from old to cur; the total amount is unchanged.
func applyPaymentChange(s *model.Statistics, old, cur model.Participant) {
	addPayment(s, old, -1)
	addPayment(s, cur, 1)
	clamp(s)
}

func decrement(m map[string]int, key string) {
	if m[key] <= 1 {
		delete(m, key)
		return
	}
	m[key]--
}

func clamp(s *model.Statistics) {
	for _, f := range []*decimal.Decimal{&s.TotalAmount, &s.PaidAmount, &s.UnpaidAmount, &s.CashAmount} {
		if f.IsNegative() {
			*f = decimal.Zero
		}
	}
}

// consistent checks the statistics invariants against the participant
// list.
func consistent(s model.Statistics, ps []model.Participant) bool {
	if s.TotalParticipants != len(ps) {
		return false
	}
	if !s.PaidAmount.Add(s.UnpaidAmount).Equal(s.TotalAmount) {
		return false
	}
	if s.CashAmount.GreaterThan(s.PaidAmount) {
		return false
	}
	return !s.TotalAmount.IsNegative() && !s.PaidAmount.IsNegative() && !s.UnpaidAmount.IsNegative()
}

// splitAmount divides total into n shares of two decimals.  Rounding
// leftovers go to the first share so the shares always add up to total.
func splitAmount(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 1 {
		return []decimal.Decimal{total}
	}
	share := total.Div(decimal.NewFromInt(int64(n))).Truncate(2)
	out := make([]decimal.Decimal, n)
	for i := range out {
		out[i] = share
	}
	out[0] = total.Sub(share.Mul(decimal.NewFromInt(int64(n - 1))))
	return out
}
