package models

import "time"

// Product sync statuses written back by handlers and observed by the
// reconciliation engine.
const (
	SyncStatusPending = "pending"
	SyncStatusSynced  = "synced"
	SyncStatusError   = "error"
)

// Product is the locally-owned synchronizable view of a catalog item.
// The commerce CRUD layer owns the full entity; the engine reads this
// projection and writes only the sync_status columns back.
type Product struct {
	ID            string     `json:"id"`
	MerchantID    string     `json:"merchant_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	PriceKobo     int64      `json:"price_kobo"`
	Currency      string     `json:"currency"`
	Stock         int        `json:"stock"`
	RetailerID    string     `json:"retailer_id"`
	ImageURL      string     `json:"image_url"`
	SyncStatus    string     `json:"sync_status"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastSyncError *string    `json:"last_sync_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// MerchantCredentials is the usable upstream credential set for a tenant.
type MerchantCredentials struct {
	MerchantID  string `json:"merchant_id"`
	CatalogID   string `json:"catalog_id"`
	AccessToken string `json:"-"`
	WabaID      string `json:"waba_id"`
	SyncEnabled bool   `json:"sync_enabled"`
}

// Usable reports whether outbound catalog calls can be attempted at all.
func (c MerchantCredentials) Usable() bool {
	return c.CatalogID != "" && c.AccessToken != ""
}

// Reservation statuses.
const (
	ReservationActive   = "active"
	ReservationReleased = "released"
)

// Reservation is a held quantity of stock awaiting payment.
type Reservation struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchant_id"`
	ProductID  string    `json:"product_id"`
	Quantity   int       `json:"quantity"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}
