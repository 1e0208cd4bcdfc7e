package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/breaker"
	"commerce-outbox/internal/catalog"
	"commerce-outbox/internal/models"
	"commerce-outbox/internal/payments"
	"commerce-outbox/internal/store"
)

// Breaker service names. One circuit per external dependency.
const (
	ServiceCatalog  = "catalog"
	ServiceMessages = "messages"
	ServicePayments = "payments"
)

// EntityStore is the back-interface onto the owning commerce domain:
// read synchronizable state and credentials, write sync metadata back.
type EntityStore interface {
	GetProduct(ctx context.Context, id string) (models.Product, error)
	UpdateProductSyncStatus(ctx context.Context, productID, status string, syncError *string) error
	MerchantCredentials(ctx context.Context, merchantID string) (models.MerchantCredentials, error)
	ReleaseReservation(ctx context.Context, reservationID string) (bool, error)
	UpdateOrderPaymentStatus(ctx context.Context, orderID, status string) error
	UpdateSubaccountSnapshot(ctx context.Context, merchantID, subaccountCode, status string, checkedAt time.Time) error
}

// CatalogAPI is the remote catalog contract the handlers consume.
type CatalogAPI interface {
	CreateProduct(ctx context.Context, creds models.MerchantCredentials, item catalog.Item) error
	UpdateProduct(ctx context.Context, creds models.MerchantCredentials, item catalog.Item) error
	DeleteProduct(ctx context.Context, creds models.MerchantCredentials, retailerID string) error
	UpdateImages(ctx context.Context, creds models.MerchantCredentials, updates []catalog.ImageUpdate) error
}

// MessageSender delivers outbound customer messages.
type MessageSender interface {
	SendMessage(ctx context.Context, creds models.MerchantCredentials, to, messageType, content string) error
}

// PaymentsAPI is the payment-provider contract the handlers consume.
type PaymentsAPI interface {
	VerifyTransaction(ctx context.Context, reference string) (payments.Transaction, error)
	FetchSubaccount(ctx context.Context, code string) (payments.Subaccount, error)
}

// HandlerDeps bundles the collaborators shared by all handlers.
type HandlerDeps struct {
	Entities   EntityStore
	Catalog    CatalogAPI
	Messages   MessageSender
	Payments   PaymentsAPI
	Breakers   *breaker.Registry
	Classifier catalog.Classifier
	Log        *logrus.Logger
}

// BuildRegistry wires a handler for every known job type and validates
// exhaustiveness.
func BuildRegistry(deps HandlerDeps) (*Registry, error) {
	r := NewRegistry()
	r.Register(models.JobTypeCatalogSync, newCatalogSyncHandler(deps))
	r.Register(models.JobTypeSendMessage, newSendMessageHandler(deps))
	r.Register(models.JobTypeReleaseReservation, newReleaseReservationHandler(deps))
	r.Register(models.JobTypePaymentFollowup, newPaymentFollowupHandler(deps))
	r.Register(models.JobTypeReconcileSubaccount, newReconcileSubaccountHandler(deps))
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// guarded wraps an outbound call in the named circuit breaker and folds a
// short-circuit into the outcome taxonomy. Short-circuited calls carry the
// remaining cooldown so the retry policy can floor its delay on it, and
// they never count as downstream failures against the breaker. Permanent
// rejections mean the downstream answered, so they count as successes for
// the circuit: a stream of bad payloads must not open it.
func guarded(ctx context.Context, breakers *breaker.Registry, classify catalog.Classifier, service string, fn func(context.Context) error) models.Outcome {
	if err := breakers.Allow(service); err != nil {
		var open *breaker.OpenError
		if errors.As(err, &open) {
			return models.CircuitOpen(err, open.Cooldown)
		}
		return models.Retryable(err)
	}

	err := fn(ctx)
	if err == nil {
		breakers.Record(service, true)
		return models.Success()
	}
	out := classify.Classify(err)
	breakers.Record(service, out.Kind == models.ErrorKindPermanent)
	return out
}

// loadOutcome classifies a failed entity load: a missing row cannot be
// fixed by retrying, everything else is a transient store failure.
func loadOutcome(err error, what string) models.Outcome {
	if errors.Is(err, store.ErrNotFound) {
		return models.Permanent(fmt.Errorf("load %s: %w", what, err))
	}
	return models.Retryable(fmt.Errorf("load %s: %w", what, err))
}
