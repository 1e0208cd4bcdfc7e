package models

import (
	"encoding/json"
	"fmt"
)

// Catalog sync actions.
const (
	CatalogActionCreate      = "create"
	CatalogActionUpdate      = "update"
	CatalogActionDelete      = "delete"
	CatalogActionUpdateImage = "update_image"
)

// CatalogSyncPayload drives one catalog_sync job.
type CatalogSyncPayload struct {
	Action         string         `json:"action"`
	ProductID      string         `json:"product_id"`
	RetailerID     string         `json:"retailer_id"`
	Changes        map[string]any `json:"changes,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// SendMessagePayload drives one send_message job.
type SendMessagePayload struct {
	To          string `json:"to"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
}

// ReleaseReservationPayload drives one release_reservation job.
type ReleaseReservationPayload struct {
	ReservationID string `json:"reservation_id"`
}

// PaymentFollowupPayload drives one payment_followup job.
type PaymentFollowupPayload struct {
	OrderID   string `json:"order_id"`
	Reference string `json:"reference"`
}

// ReconcileSubaccountPayload drives one reconcile_subaccount job.
type ReconcileSubaccountPayload struct {
	SubaccountCode string `json:"subaccount_code"`
}

// DecodePayload maps a job's opaque payload document onto the typed
// payload for its job type.
func DecodePayload(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
