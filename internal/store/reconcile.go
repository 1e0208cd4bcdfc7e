package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"commerce-outbox/internal/models"
)

const runColumns = `id, merchant_id, run_type, status, products_total, products_checked, drift_detected, syncs_triggered, errors_count, started_at, completed_at, last_error`

// CreateRun inserts a running reconciliation run row.
func (s *Store) CreateRun(ctx context.Context, merchantID, runType string) (models.ReconRun, error) {
	run := models.ReconRun{
		ID:         uuid.New().String(),
		MerchantID: merchantID,
		RunType:    runType,
		Status:     models.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_runs (id, merchant_id, run_type, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.MerchantID, run.RunType, run.Status, run.StartedAt)
	if err != nil {
		return models.ReconRun{}, fmt.Errorf("insert reconciliation run: %w", err)
	}
	return run, nil
}

// SetRunTotal records how many products the run will examine.
func (s *Store) SetRunTotal(ctx context.Context, runID string, total int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reconciliation_runs SET products_total = $2 WHERE id = $1
	`, runID, total)
	return err
}

// BumpRunCounters atomically increments progress counters on a running run.
// Counters never decrease, so concurrent batches can bump independently.
func (s *Store) BumpRunCounters(ctx context.Context, runID string, checked, drift, syncs, errs int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reconciliation_runs
		SET products_checked = products_checked + $2,
		    drift_detected   = drift_detected + $3,
		    syncs_triggered  = syncs_triggered + $4,
		    errors_count     = errors_count + $5
		WHERE id = $1 AND status = $6
	`, runID, checked, drift, syncs, errs, models.RunStatusRunning)
	return err
}

// FinishRun finalizes a run exactly once; a second finalize is a no-op.
func (s *Store) FinishRun(ctx context.Context, runID, status string, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reconciliation_runs
		SET status = $2, completed_at = NOW(), last_error = $3
		WHERE id = $1 AND status = $4
	`, runID, status, lastError, models.RunStatusRunning)
	return err
}

// LatestRun returns the most recently started run for a merchant.
func (s *Store) LatestRun(ctx context.Context, merchantID string) (models.ReconRun, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM reconciliation_runs
		WHERE merchant_id = $1 ORDER BY started_at DESC LIMIT 1
	`, merchantID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReconRun{}, false, nil
	}
	if err != nil {
		return models.ReconRun{}, false, fmt.Errorf("query latest run: %w", err)
	}
	return run, true, nil
}

// ListRuns returns recent runs for a merchant, newest first.
func (s *Store) ListRuns(ctx context.Context, merchantID string, limit int) ([]models.ReconRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM reconciliation_runs
		WHERE merchant_id = $1 ORDER BY started_at DESC LIMIT $2
	`, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.ReconRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// InsertDrift records one field-level mismatch observed during a run.
func (s *Store) InsertDrift(ctx context.Context, d models.DriftRecord) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drift_records (id, run_id, merchant_id, product_id, field_name, local_value, remote_value, action_taken, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, d.ID, d.RunID, d.MerchantID, d.ProductID, d.FieldName, d.LocalValue, d.RemoteValue, d.ActionTaken)
	if err != nil {
		return fmt.Errorf("insert drift record: %w", err)
	}
	return nil
}

// ListDrift returns the drift records for one run.
func (s *Store) ListDrift(ctx context.Context, runID string) ([]models.DriftRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, merchant_id, product_id, field_name, local_value, remote_value, action_taken, created_at
		FROM drift_records WHERE run_id = $1 ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list drift records: %w", err)
	}
	defer rows.Close()

	var records []models.DriftRecord
	for rows.Next() {
		var d models.DriftRecord
		if err := rows.Scan(&d.ID, &d.RunID, &d.MerchantID, &d.ProductID, &d.FieldName,
			&d.LocalValue, &d.RemoteValue, &d.ActionTaken, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan drift record: %w", err)
		}
		records = append(records, d)
	}
	return records, rows.Err()
}

func scanRun(row pgx.Row) (models.ReconRun, error) {
	var run models.ReconRun
	var completed pgtype.Timestamptz
	var lastErr pgtype.Text

	err := row.Scan(&run.ID, &run.MerchantID, &run.RunType, &run.Status,
		&run.ProductsTotal, &run.ProductsChecked, &run.DriftDetected,
		&run.SyncsTriggered, &run.ErrorsCount, &run.StartedAt, &completed, &lastErr)
	if err != nil {
		return models.ReconRun{}, err
	}
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	run.LastError = textPtr(lastErr)
	return run, nil
}
