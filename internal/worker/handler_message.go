package worker

import (
	"context"
	"fmt"

	"commerce-outbox/internal/models"
)

// sendMessageHandler delivers one outbound customer message.
type sendMessageHandler struct {
	deps HandlerDeps
}

func newSendMessageHandler(deps HandlerDeps) Handler {
	h := &sendMessageHandler{deps: deps}
	return HandlerFunc(h.execute)
}

func (h *sendMessageHandler) execute(ctx context.Context, job models.Job) models.Outcome {
	var p models.SendMessagePayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return models.Permanent(fmt.Errorf("malformed send_message payload: %w", err))
	}
	if p.To == "" || p.Content == "" {
		return models.Permanent(fmt.Errorf("send_message payload missing recipient or content"))
	}
	if p.MessageType == "" {
		p.MessageType = "text"
	}

	creds, err := h.deps.Entities.MerchantCredentials(ctx, job.MerchantID)
	if err != nil {
		return loadOutcome(err, "credentials")
	}
	if creds.WabaID == "" || creds.AccessToken == "" {
		return models.Permanent(fmt.Errorf("merchant %s has no usable messaging credentials", job.MerchantID))
	}

	return guarded(ctx, h.deps.Breakers, h.deps.Classifier, ServiceMessages, func(ctx context.Context) error {
		return h.deps.Messages.SendMessage(ctx, creds, p.To, p.MessageType, p.Content)
	})
}
