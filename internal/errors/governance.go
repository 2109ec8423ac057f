package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/core/egress"
	"github.com/shopvet/shopvet/internal/core/engine"
	"github.com/shopvet/shopvet/internal/core/monitor"
	"github.com/shopvet/shopvet/internal/core/queue"
	"github.com/shopvet/shopvet/internal/core/quota"
	"github.com/shopvet/shopvet/internal/core/retry"
	"github.com/shopvet/shopvet/internal/observability"
)

// NewAdmissionDenied builds the 429 envelope for a quota denial. The
// decision travels in the details so callers can schedule their retry.
func NewAdmissionDenied(ctx context.Context, platform string, decision quota.Decision) *errors.ErrorEnvelope {
	envelope := errors.NewErrorEnvelope("ADMISSION_DENIED", fmt.Sprintf("admission denied for %s: %s", platform, decision.Reason))
	envelope = envelope.WithCorrelationID(extractCorrelationID(ctx))
	envelope = envelope.WithTraceID(extractTraceID(ctx))

	details := map[string]interface{}{
		"platform":       platform,
		"reason":         decision.Reason,
		"retry_after_ms": int(decision.RetryAfter.Milliseconds()),
	}
	if !decision.ResetAt.IsZero() {
		details["reset_at"] = decision.ResetAt.UTC().Format(time.RFC3339)
	}
	return withContext(envelope, details)
}

// FromGovernance maps errors surfaced by the governance layer onto API
// envelopes. Unrecognized errors become INTERNAL_ERROR.
func FromGovernance(ctx context.Context, err error) *errors.ErrorEnvelope {
	if err == nil {
		return EnsureEnvelope(nil)
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		return envelope
	}

	switch {
	case stderrors.Is(err, queue.ErrExpired):
		return WrapQueueExpired(ctx, err, "operation expired before it could run")
	case stderrors.Is(err, queue.ErrStopped):
		return WrapServiceUnavailable(ctx, err, "governance layer is shutting down")
	case stderrors.Is(err, quota.ErrUnknownPlatform):
		return WrapNotFound(ctx, err, "platform is not configured")
	case stderrors.Is(err, egress.ErrUnknownIdentity):
		return WrapNotFound(ctx, err, "egress identity not found")
	case stderrors.Is(err, monitor.ErrAlertNotFound):
		return WrapNotFound(ctx, err, "alert not found")
	case stderrors.Is(err, engine.ErrAdmissionDenied):
		return wrap(ctx, "ADMISSION_DENIED", err, "admission denied")
	case stderrors.Is(err, context.DeadlineExceeded):
		return WrapTimeout(ctx, err, "operation timed out")
	case stderrors.Is(err, context.Canceled):
		return WrapServiceUnavailable(ctx, err, "request canceled")
	}

	var attemptErr *retry.AttemptError
	if stderrors.As(err, &attemptErr) {
		envelope := WrapExternalService(ctx, err, fmt.Sprintf("operation failed after %d attempts", attemptErr.Attempts))
		return withContext(envelope, map[string]interface{}{
			"platform":    attemptErr.Platform,
			"error_class": string(attemptErr.Class),
			"attempts":    attemptErr.Attempts,
			"retryable":   attemptErr.Retryable,
		})
	}

	return WrapInternal(ctx, err, "unexpected error")
}

// withContext attaches context values, which must be string, int, float64
// or bool. A rejected map is logged and the envelope returned unchanged.
func withContext(envelope *errors.ErrorEnvelope, data map[string]interface{}) *errors.ErrorEnvelope {
	updated, err := envelope.WithContext(data)
	if err != nil {
		observability.ActiveLogger().Warn("Error context rejected",
			zap.String("error_code", envelope.Code),
			zap.Error(err))
		return envelope
	}
	return updated
}
