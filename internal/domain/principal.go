package domain

// Principal is the authenticated caller. BusinessID is set for business
// owners acting on their own business.
type Principal struct {
	UserID     string
	BusinessID string
}

// OwnsOrder reports whether the caller placed the order or runs the business
// it was placed with.
func (p Principal) OwnsOrder(o *Order) bool {
	if o.BuyerID == p.UserID {
		return true
	}
	return p.BusinessID != "" && o.BusinessID == p.BusinessID
}
