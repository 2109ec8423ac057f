package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/metrics"
	"github.com/shopvet/shopvet/internal/observability"
)

// Recovery turns a handler panic into a 500 envelope. http.ErrAbortHandler
// is re-raised so net/http can abort the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}

			requestID := GetRequestID(r.Context())
			stack := string(debug.Stack())

			panicErr := errors.NewErrorEnvelope("INTERNAL_ERROR", fmt.Sprintf("panic: %v", recovered)).
				WithCorrelationID(requestID)
			if updated, err := panicErr.WithContext(map[string]interface{}{"stack_trace": stack}); err == nil {
				panicErr = updated
			}
			if updated, err := panicErr.WithSeverity(errors.SeverityCritical); err == nil {
				panicErr = updated
			}

			metrics.RecordPanic()
			observability.ActiveLogger().Error("Handler panic recovered",
				zap.String("path", r.URL.Path),
				zap.String("requestID", requestID),
				zap.Any("panic", recovered),
			)

			// The stack stays in logs; clients only see the envelope.
			writeErrorResponse(w, panicErr.Code, panicErr.Message, requestID, http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

// ErrorResponse structure per API standards
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// writeErrorResponse writes the error body directly; importing
// internal/errors here would create a cycle through the handlers.
func writeErrorResponse(w http.ResponseWriter, code, message, requestID string, statusCode int) {
	response := ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}
