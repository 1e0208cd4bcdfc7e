package worker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/models"
)

// releaseReservationHandler returns held stock when an order expires. The
// store-level release is idempotent, so retries after a crash are safe.
type releaseReservationHandler struct {
	deps HandlerDeps
	log  *logrus.Entry
}

func newReleaseReservationHandler(deps HandlerDeps) Handler {
	return &releaseReservationHandler{deps: deps, log: deps.Log.WithField("handler", "release_reservation")}
}

func (h *releaseReservationHandler) Execute(ctx context.Context, job models.Job) models.Outcome {
	var p models.ReleaseReservationPayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return models.Permanent(fmt.Errorf("malformed release_reservation payload: %w", err))
	}
	if p.ReservationID == "" {
		return models.Permanent(fmt.Errorf("release_reservation payload missing reservation_id"))
	}

	released, err := h.deps.Entities.ReleaseReservation(ctx, p.ReservationID)
	if err != nil {
		// Local DB errors are transient by default.
		return models.Retryable(fmt.Errorf("release reservation %s: %w", p.ReservationID, err))
	}
	if !released {
		h.log.WithField("reservation_id", p.ReservationID).Debug("reservation already released")
	}
	return models.Success()
}
