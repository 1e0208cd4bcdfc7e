package models

import (
	"time"
)

// JobType is the closed set of work the outbox engine knows how to execute.
// Dispatch of an unknown type is a permanent failure, never a retry.
type JobType string

const (
	JobTypeSendMessage         JobType = "send_message"
	JobTypeCatalogSync         JobType = "catalog_sync"
	JobTypeReleaseReservation  JobType = "release_reservation"
	JobTypePaymentFollowup     JobType = "payment_followup"
	JobTypeReconcileSubaccount JobType = "reconcile_subaccount"
)

// KnownJobTypes lists every type a dispatcher must have a handler for.
func KnownJobTypes() []JobType {
	return []JobType{
		JobTypeSendMessage,
		JobTypeCatalogSync,
		JobTypeReleaseReservation,
		JobTypePaymentFollowup,
		JobTypeReconcileSubaccount,
	}
}

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusLeased     = "leased"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_lettered"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusDeadLetter
}

// Job is one unit of deferred work persisted in the outbox table.
type Job struct {
	ID             string         `json:"id"`
	MerchantID     string         `json:"merchant_id"`
	Type           JobType        `json:"type"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRunAt      time.Time      `json:"next_run_at"`
	DedupeKey      *string        `json:"dedupe_key,omitempty"`
	LeaseOwner     *string        `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
