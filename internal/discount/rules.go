package discount

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

type Reason string

const (
	ReasonNone           Reason = ""
	ReasonUnknownCode    Reason = "unknown code"
	ReasonInactive       Reason = "code is not active"
	ReasonOutOfScope     Reason = "code is not valid for this business"
	ReasonNotStarted     Reason = "code is not yet valid"
	ReasonExpired        Reason = "code has expired"
	ReasonUsageLimit     Reason = "code usage limit reached"
	ReasonPerUserLimit   Reason = "code already used the maximum number of times"
	ReasonMinOrder       Reason = "order does not meet the minimum amount"
	ReasonFirstOrderOnly Reason = "code is only valid on a first order"
	ReasonZeroAmount     Reason = "code yields no discount"
)

// Facts is everything the rules need besides the code itself.
type Facts struct {
	BusinessID      string
	Subtotal        int64
	Now             time.Time
	PrincipalUsage  int
	PriorPaidOrders int
}

type Result struct {
	Applicable bool   `json:"applicable"`
	DiscountID string `json:"discount_id,omitempty"`
	Code       string `json:"code"`
	Amount     int64  `json:"amount"`
	Reason     Reason `json:"reason,omitempty"`
}

type rule func(d *domain.Discount, f Facts) Reason

// rules run in order and the first mismatch wins.
var rules = []rule{
	checkActive,
	checkScope,
	checkWindow,
	checkUsageLimit,
	checkPerUserLimit,
	checkMinOrder,
	checkFirstOrder,
}

// Check applies every rule to d and computes the amount. It has no side
// effects and never errors: a mismatch is reported as an inapplicable Result.
func Check(d *domain.Discount, f Facts) Result {
	res := Result{DiscountID: d.ID, Code: d.Code}
	for _, r := range rules {
		if reason := r(d, f); reason != ReasonNone {
			res.Reason = reason
			return res
		}
	}

	amount := Amount(d, f.Subtotal)
	if amount <= 0 {
		res.Reason = ReasonZeroAmount
		return res
	}

	res.Applicable = true
	res.Amount = amount
	return res
}

// Amount is the discount d yields on subtotal, never more than subtotal.
func Amount(d *domain.Discount, subtotal int64) int64 {
	if subtotal <= 0 || !d.Value.IsPositive() {
		return 0
	}

	var amount int64
	switch d.Type {
	case domain.DiscountTypePercentage:
		amount = decimal.NewFromInt(subtotal).
			Mul(d.Value).
			Div(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
		if d.MaxDiscount != nil && amount > *d.MaxDiscount {
			amount = *d.MaxDiscount
		}
	case domain.DiscountTypeFixed:
		amount = d.Value.Round(0).IntPart()
	default:
		return 0
	}

	return min(amount, subtotal)
}

func checkActive(d *domain.Discount, _ Facts) Reason {
	if !d.Active {
		return ReasonInactive
	}
	return ReasonNone
}

func checkScope(d *domain.Discount, f Facts) Reason {
	if d.BusinessID != "" && d.BusinessID != f.BusinessID {
		return ReasonOutOfScope
	}
	return ReasonNone
}

func checkWindow(d *domain.Discount, f Facts) Reason {
	if f.Now.Before(d.StartsAt) {
		return ReasonNotStarted
	}
	if d.EndsAt != nil && !f.Now.Before(*d.EndsAt) {
		return ReasonExpired
	}
	return ReasonNone
}

func checkUsageLimit(d *domain.Discount, _ Facts) Reason {
	if d.UsageLimit != nil && d.UsageCount >= *d.UsageLimit {
		return ReasonUsageLimit
	}
	return ReasonNone
}

func checkPerUserLimit(d *domain.Discount, f Facts) Reason {
	if d.PerUserLimit != nil && f.PrincipalUsage >= *d.PerUserLimit {
		return ReasonPerUserLimit
	}
	return ReasonNone
}

func checkMinOrder(d *domain.Discount, f Facts) Reason {
	if d.MinOrderAmount != nil && f.Subtotal < *d.MinOrderAmount {
		return ReasonMinOrder
	}
	return ReasonNone
}

func checkFirstOrder(d *domain.Discount, f Facts) Reason {
	if d.FirstOrderOnly && f.PriorPaidOrders > 0 {
		return ReasonFirstOrderOnly
	}
	return ReasonNone
}
