package models

import "time"

// RunType distinguishes scheduled reconciliation passes from operator-
// triggered ones.
const (
	RunTypeScheduled = "scheduled"
	RunTypeManual    = "manual"
)

// Reconciliation run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// ReconRun is one drift-scan pass over a merchant's synced products.
// Counters only ever increase while the run is active.
type ReconRun struct {
	ID              string     `json:"id"`
	MerchantID      string     `json:"merchant_id"`
	RunType         string     `json:"run_type"`
	Status          string     `json:"status"`
	ProductsTotal   int        `json:"products_total"`
	ProductsChecked int        `json:"products_checked"`
	DriftDetected   int        `json:"drift_detected"`
	SyncsTriggered  int        `json:"syncs_triggered"`
	ErrorsCount     int        `json:"errors_count"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
}

// Drift actions recorded per detected mismatch.
const (
	DriftActionSyncTriggered = "sync_triggered"
	DriftActionSkipped       = "skipped"
	DriftActionFailed        = "failed"
)

// DriftRecord is one field-level mismatch between local and remote state,
// linked to the run that observed it. Immutable once written.
type DriftRecord struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	MerchantID  string    `json:"merchant_id"`
	ProductID   string    `json:"product_id"`
	FieldName   string    `json:"field_name"`
	LocalValue  string    `json:"local_value"`
	RemoteValue string    `json:"remote_value"`
	ActionTaken string    `json:"action_taken"`
	CreatedAt   time.Time `json:"created_at"`
}
