package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

// FeeSchedule prices delivery by zone and takes the platform's cut.
type FeeSchedule struct {
	// ServiceFeeRate is a fraction: 0.025 is 2.5%.
	ServiceFeeRate decimal.Decimal
	Zones          map[string]int64
	DefaultZone    string
	// MaxDeliveryFee caps any zone price; zero means no cap.
	MaxDeliveryFee int64
}

func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		ServiceFeeRate: decimal.RequireFromString("0.025"),
		Zones:          map[string]int64{"local": 150, "nearby": 250, "far": 400},
		DefaultZone:    "local",
		MaxDeliveryFee: 500,
	}
}

// DeliveryFee returns the zone used and its capped price.
func (f FeeSchedule) DeliveryFee(zone string) (string, int64, error) {
	if zone == "" {
		zone = f.DefaultZone
	}
	fee, ok := f.Zones[zone]
	if !ok {
		return "", 0, domain.Validation("unknown delivery zone %q", zone)
	}
	if f.MaxDeliveryFee > 0 && fee > f.MaxDeliveryFee {
		fee = f.MaxDeliveryFee
	}
	return zone, fee, nil
}

// ServiceFee is the rate applied to the post-discount subtotal, rounded half
// away from zero to the nearest unit.
func (f FeeSchedule) ServiceFee(discountedSubtotal int64) int64 {
	if discountedSubtotal <= 0 {
		return 0
	}
	return decimal.NewFromInt(discountedSubtotal).Mul(f.ServiceFeeRate).Round(0).IntPart()
}
