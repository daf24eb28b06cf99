package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/MJE43/rps-arena-replay/internal/arena"
	"github.com/MJE43/rps-arena-replay/internal/engine"
	"github.com/MJE43/rps-arena-replay/internal/scan"
	"github.com/MJE43/rps-arena-replay/internal/settle"
	"github.com/MJE43/rps-arena-replay/internal/sim"
	"github.com/MJE43/rps-arena-replay/internal/store"
)

// EngineError is the JSON error envelope.
type EngineError struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Error implements the error interface.
func (e EngineError) Error() string {
	return e.Message
}

const (
	// Input validation errors
	ErrTypeInvalidSeed        = "invalid_seed"
	ErrTypeInvalidConfig      = "invalid_config"
	ErrTypeValidation         = "validation_error"
	ErrTypePlacementExhausted = "placement_exhausted"
	ErrTypeMetricNotFound     = "metric_not_found"
	ErrTypeNotFound           = "not_found"

	// System errors
	ErrTypeTimeout  = "timeout"
	ErrTypeInternal = "internal_error"
)

// ErrorCategory groups error types for monitoring.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryArena      ErrorCategory = "arena"
	CategorySystem     ErrorCategory = "system"
	CategoryTimeout    ErrorCategory = "timeout"
)

// GetErrorCategory returns the category for an error type.
func GetErrorCategory(errType string) ErrorCategory {
	switch errType {
	case ErrTypeInvalidSeed, ErrTypeInvalidConfig, ErrTypeValidation, ErrTypeMetricNotFound, ErrTypeNotFound:
		return CategoryValidation
	case ErrTypePlacementExhausted:
		return CategoryArena
	case ErrTypeTimeout:
		return CategoryTimeout
	default:
		return CategorySystem
	}
}

// ValidationError is a request field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalidField(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ErrorBuilder helps construct structured errors with context.
type ErrorBuilder struct {
	errType   string
	message   string
	context   map[string]any
	requestID string
}

// NewError creates a new error builder.
func NewError(errType, message string) *ErrorBuilder {
	return &ErrorBuilder{
		errType: errType,
		message: message,
		context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (eb *ErrorBuilder) WithContext(key string, value any) *ErrorBuilder {
	eb.context[key] = value
	return eb
}

// WithRequestID adds the request ID to the error.
func (eb *ErrorBuilder) WithRequestID(requestID string) *ErrorBuilder {
	eb.requestID = requestID
	return eb
}

// Build creates the final EngineError.
func (eb *ErrorBuilder) Build() EngineError {
	var ctx map[string]any
	if len(eb.context) > 0 {
		ctx = eb.context
	}
	return EngineError{
		Type:      eb.errType,
		Message:   eb.message,
		Context:   ctx,
		RequestID: eb.requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// classify maps a domain error to an HTTP status and envelope.
func classify(err error) (int, *ErrorBuilder) {
	var (
		verr *ValidationError
		perr *arena.PlacementError
		eerr EngineError
	)
	switch {
	case errors.As(err, &eerr):
		b := NewError(eerr.Type, eerr.Message)
		for k, v := range eerr.Context {
			b.WithContext(k, v)
		}
		return statusFor(eerr.Type), b
	case errors.As(err, &verr):
		return http.StatusBadRequest, NewError(ErrTypeValidation, verr.Message).WithContext("field", verr.Field)
	case errors.Is(err, engine.ErrInvalidSeed):
		return http.StatusBadRequest, NewError(ErrTypeInvalidSeed, err.Error())
	case errors.Is(err, arena.ErrInvalidConfig), errors.Is(err, sim.ErrInvalidOptions):
		return http.StatusBadRequest, NewError(ErrTypeInvalidConfig, err.Error())
	case errors.As(err, &perr):
		return http.StatusUnprocessableEntity, NewError(ErrTypePlacementExhausted, err.Error()).
			WithContext("type", perr.Type).
			WithContext("index", perr.Index).
			WithContext("attempts", perr.Attempts)
	case errors.Is(err, scan.ErrMetricNotFound):
		return http.StatusBadRequest, NewError(ErrTypeMetricNotFound, err.Error())
	case errors.Is(err, scan.ErrInvalidRange), errors.Is(err, scan.ErrInvalidParams),
		errors.Is(err, settle.ErrNoBets), errors.Is(err, settle.ErrInvalidBet), errors.Is(err, settle.ErrInvalidFee):
		return http.StatusBadRequest, NewError(ErrTypeValidation, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, NewError(ErrTypeNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, NewError(ErrTypeTimeout, "operation timed out")
	default:
		return http.StatusInternalServerError, NewError(ErrTypeInternal, "internal server error")
	}
}

func statusFor(errType string) int {
	switch errType {
	case ErrTypeNotFound:
		return http.StatusNotFound
	case ErrTypePlacementExhausted:
		return http.StatusUnprocessableEntity
	case ErrTypeTimeout:
		return http.StatusRequestTimeout
	case ErrTypeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// writeError classifies err, logs it and writes the envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, b := classify(err)
	engineErr := b.WithRequestID(middleware.GetReqID(r.Context())).Build()

	level := zerolog.WarnLevel
	if status >= http.StatusInternalServerError {
		level = zerolog.ErrorLevel
	}
	s.logger.WithLevel(level).
		Err(err).
		Str("type", engineErr.Type).
		Str("category", string(GetErrorCategory(engineErr.Type))).
		Int("status", status).
		Str("request_id", engineErr.RequestID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("request failed")

	w.Header().Set("X-Error-Type", engineErr.Type)
	w.Header().Set("X-Error-Category", string(GetErrorCategory(engineErr.Type)))
	s.writeJSON(w, status, engineErr)
}

// recoverer turns panics into internal_error envelopes.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			s.logger.Error().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Interface("panic", rvr).
				Msg("panic recovered")

			engineErr := NewError(ErrTypeInternal, "internal server error").
				WithRequestID(middleware.GetReqID(r.Context())).
				Build()
			s.writeJSON(w, http.StatusInternalServerError, engineErr)
		}()

		next.ServeHTTP(w, r)
	})
}
