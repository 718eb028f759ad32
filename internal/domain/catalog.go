package domain

type BusinessStatus string

const (
	BusinessStatusPending   BusinessStatus = "pending"
	BusinessStatusApproved  BusinessStatus = "approved"
	BusinessStatusSuspended BusinessStatus = "suspended"
)

type Business struct {
	ID      string         `json:"id"`
	OwnerID string         `json:"owner_id"`
	Name    string         `json:"name"`
	Status  BusinessStatus `json:"status"`
}

func (b *Business) Active() bool {
	return b.Status == BusinessStatusApproved
}

type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"
	ProductStatusInactive ProductStatus = "inactive"
)

type Product struct {
	ID             string        `json:"id"`
	BusinessID     string        `json:"business_id"`
	Name           string        `json:"name"`
	Price          int64         `json:"price"`
	Status         ProductStatus `json:"status"`
	TrackInventory bool          `json:"track_inventory"`
	StockQuantity  int           `json:"stock_quantity"`
}
