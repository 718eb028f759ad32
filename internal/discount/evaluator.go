package discount

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

// Lookup is the read side the evaluator needs. store.Store satisfies it.
type Lookup interface {
	GetDiscountByCode(ctx context.Context, code string) (*domain.Discount, error)
	CountDiscountUsage(ctx context.Context, filter domain.UsageFilter) (int, error)
	CountOrders(ctx context.Context, filter domain.OrderFilter) (int, error)
}

type Request struct {
	Code       string
	UserID     string
	BusinessID string
	Subtotal   int64
}

type Evaluator struct {
	lookup Lookup
	now    func() time.Time
}

func NewEvaluator(lookup Lookup) *Evaluator {
	return &Evaluator{lookup: lookup, now: time.Now}
}

// NormalizeCode is the canonical form codes are stored and looked up in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Evaluate decides whether req.Code applies. Business-rule mismatches come
// back as an inapplicable Result; only lookup failures return an error.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Result, error) {
	code := NormalizeCode(req.Code)

	d, err := e.lookup.GetDiscountByCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		return Result{Code: code, Reason: ReasonUnknownCode}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load discount %q: %w", code, err)
	}

	facts := Facts{
		BusinessID: req.BusinessID,
		Subtotal:   req.Subtotal,
		Now:        e.now(),
	}

	// Counts cost a query each, so only load the ones the code constrains.
	if d.PerUserLimit != nil {
		facts.PrincipalUsage, err = e.lookup.CountDiscountUsage(ctx, domain.UsageFilter{
			DiscountID: d.ID,
			UserID:     req.UserID,
		})
		if err != nil {
			return Result{}, fmt.Errorf("count discount usage: %w", err)
		}
	}

	if d.FirstOrderOnly {
		facts.PriorPaidOrders, err = e.lookup.CountOrders(ctx, domain.OrderFilter{
			BuyerID:       req.UserID,
			PaymentStatus: domain.PaymentStatusPaid,
		})
		if err != nil {
			return Result{}, fmt.Errorf("count prior orders: %w", err)
		}
	}

	return Check(d, facts), nil
}
