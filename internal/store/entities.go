package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"commerce-outbox/internal/models"
)

// Entity back-interface: the commerce CRUD layer owns products, merchants,
// reservations and orders. The engine reads synchronizable state from here
// and writes sync-status metadata back, nothing else.

// ErrNotFound marks a lookup whose row does not exist. Callers use it to
// tell a missing entity (unfixable by retrying) from a transient query
// failure.
var ErrNotFound = errors.New("not found")

const productColumns = `id, merchant_id, title, description, price_kobo, currency, stock, retailer_id, image_url, sync_status, last_synced_at, last_sync_error, updated_at`

// ListSyncedProducts returns products eligible for drift reconciliation:
// locally marked synced and carrying a remote retailer id.
func (s *Store) ListSyncedProducts(ctx context.Context, merchantID string) ([]models.Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+productColumns+` FROM products
		WHERE merchant_id = $1 AND sync_status = $2 AND retailer_id <> ''
		ORDER BY id ASC
	`, merchantID, models.SyncStatusSynced)
	if err != nil {
		return nil, fmt.Errorf("list synced products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// GetProduct fetches a single product projection.
func (s *Store) GetProduct(ctx context.Context, id string) (models.Product, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Product{}, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Product{}, fmt.Errorf("scan product: %w", err)
	}
	return p, nil
}

// UpdateProductSyncStatus writes sync outcome metadata back onto the owning
// entity so external observers never see a stale in-progress state.
func (s *Store) UpdateProductSyncStatus(ctx context.Context, productID, status string, syncError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE products
		SET sync_status = $2, last_sync_error = $3,
		    last_synced_at = CASE WHEN $2 = 'synced' THEN NOW() ELSE last_synced_at END,
		    updated_at = NOW()
		WHERE id = $1
	`, productID, status, syncError)
	return err
}

// MerchantCredentials loads the usable upstream credential set for a tenant.
func (s *Store) MerchantCredentials(ctx context.Context, merchantID string) (models.MerchantCredentials, error) {
	var creds models.MerchantCredentials
	var catalogID, token, waba pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT merchant_id, catalog_id, access_token, waba_id, sync_enabled
		FROM merchant_credentials WHERE merchant_id = $1
	`, merchantID).Scan(&creds.MerchantID, &catalogID, &token, &waba, &creds.SyncEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MerchantCredentials{}, fmt.Errorf("credentials for merchant %s: %w", merchantID, ErrNotFound)
	}
	if err != nil {
		return models.MerchantCredentials{}, fmt.Errorf("query credentials: %w", err)
	}
	creds.CatalogID = catalogID.String
	creds.AccessToken = token.String
	creds.WabaID = waba.String
	return creds, nil
}

// ListSyncEnabledMerchants returns merchants eligible for scheduled
// reconciliation passes.
func (s *Store) ListSyncEnabledMerchants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT merchant_id FROM merchant_credentials
		WHERE sync_enabled AND catalog_id <> '' AND access_token <> ''
		ORDER BY merchant_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sync-enabled merchants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan merchant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReleaseReservation returns held stock to the product and marks the
// reservation released. Releasing an already-released reservation is a
// no-op, which keeps the release job idempotent under retries.
func (s *Store) ReleaseReservation(ctx context.Context, reservationID string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var productID string
	var quantity int
	err = tx.QueryRow(ctx, `
		UPDATE inventory_reservations
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING product_id, quantity
	`, reservationID, models.ReservationReleased, models.ReservationActive).Scan(&productID, &quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = NOW() WHERE id = $1
	`, productID, quantity); err != nil {
		return false, fmt.Errorf("restore stock: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// UpdateOrderPaymentStatus records the provider-confirmed payment state.
func (s *Store) UpdateOrderPaymentStatus(ctx context.Context, orderID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orders SET payment_status = $2, updated_at = NOW() WHERE id = $1
	`, orderID, status)
	return err
}

// UpdateSubaccountSnapshot refreshes the cached payment-provider subaccount
// view for a merchant.
func (s *Store) UpdateSubaccountSnapshot(ctx context.Context, merchantID, subaccountCode, status string, checkedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE merchant_credentials
		SET subaccount_code = $2, subaccount_status = $3, subaccount_checked_at = $4
		WHERE merchant_id = $1
	`, merchantID, subaccountCode, status, checkedAt)
	return err
}

func scanProduct(row pgx.Row) (models.Product, error) {
	var p models.Product
	var lastSynced pgtype.Timestamptz
	var syncErr pgtype.Text

	err := row.Scan(&p.ID, &p.MerchantID, &p.Title, &p.Description, &p.PriceKobo,
		&p.Currency, &p.Stock, &p.RetailerID, &p.ImageURL, &p.SyncStatus,
		&lastSynced, &syncErr, &p.UpdatedAt)
	if err != nil {
		return models.Product{}, err
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		p.LastSyncedAt = &t
	}
	p.LastSyncError = textPtr(syncErr)
	return p, nil
}
