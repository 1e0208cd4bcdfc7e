package catalog

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/models"
)

// Classifier translates raw upstream errors into the closed ErrorKind set.
// This is the single place where error-text matching against known failure
// signatures is allowed; everything downstream works with the taxonomy.
type Classifier struct {
	log *logrus.Entry
}

// NewClassifier builds the boundary adapter.
func NewClassifier(log *logrus.Logger) Classifier {
	return Classifier{log: log.WithField("component", "classifier")}
}

// Failure signatures observed from the upstream API. Auth failures,
// malformed payloads and policy blocks cannot be fixed by retrying.
var permanentSignatures = []string{
	"access token",
	"oauth",
	"permission",
	"invalid parameter",
	"malformed",
	"does not exist",
	"unsupported request",
	"policy",
	"invalid retailer",
}

var retryableSignatures = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"internal server error",
	"service unavailable",
	"please try again",
	"unknown error",
}

var rateLimitSignatures = []string{
	"rate limit",
	"too many calls",
	"request limit reached",
	"throttle",
}

// Classify maps an error from the catalog client to an Outcome.
// Unrecognized errors default to Retryable so work is never silently lost,
// but are logged loudly: an unknown failure signature is itself a signal.
func (c Classifier) Classify(err error) models.Outcome {
	if err == nil {
		return models.Success()
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Throttled() {
			return models.RateLimited(err, apiErr.RetryAfter)
		}
		msg := strings.ToLower(apiErr.Message)
		if matchesAny(msg, rateLimitSignatures) {
			return models.RateLimited(err, defaultRetryAfter)
		}
		if apiErr.StatusCode >= 500 {
			return models.Retryable(err)
		}
		if matchesAny(msg, permanentSignatures) {
			return models.Permanent(err)
		}
		if matchesAny(msg, retryableSignatures) {
			return models.Retryable(err)
		}
		c.log.WithFields(logrus.Fields{
			"status": apiErr.StatusCode,
			"code":   apiErr.Code,
			"error":  apiErr.Message,
		}).Warn("unclassified catalog api error, treating as retryable")
		return models.Retryable(err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.Retryable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.Retryable(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case matchesAny(msg, rateLimitSignatures):
		return models.RateLimited(err, defaultRetryAfter)
	case matchesAny(msg, permanentSignatures):
		return models.Permanent(err)
	case matchesAny(msg, retryableSignatures):
		return models.Retryable(err)
	}

	c.log.WithError(err).Warn("unclassified error, treating as retryable")
	return models.Retryable(err)
}

func matchesAny(msg string, signatures []string) bool {
	for _, s := range signatures {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
