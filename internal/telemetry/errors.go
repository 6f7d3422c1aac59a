package telemetry

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure modes the pipeline distinguishes.
// Validation failures carry more context and use ValidationError instead.
var (
	// ErrCapacityExceeded is returned when connection admission is refused,
	// either at the global ceiling or per-device.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrOverloaded is returned when a per-connection queue is full. The
	// frame is shed, never queued late: stale sensor data has no value.
	ErrOverloaded = errors.New("overloaded")

	// ErrDownstreamUnavailable is returned when the circuit breaker is open
	// and a collaborator call fails fast without being attempted.
	ErrDownstreamUnavailable = errors.New("downstream unavailable")

	// ErrSessionFinalized is returned for frames that arrive after their
	// session has been finalized. Rejected, not silently dropped.
	ErrSessionFinalized = errors.New("session finalized")

	// ErrUnknownSession is returned for samples referencing a session that
	// was never started.
	ErrUnknownSession = errors.New("unknown session")
)

// Stable validation failure codes surfaced on the wire.
const (
	CodeEmptyDeviceID    = "empty_device_id"
	CodeTimestampSkew    = "timestamp_skew"
	CodeUnknownSensor    = "unknown_sensor_type"
	CodeBadChannelCount  = "bad_channel_count"
	CodeRateOutOfBounds  = "rate_out_of_tolerance"
)

// ValidationError describes why a frame was rejected by the ingestion
// validator. Code is stable and machine-readable; Reason is for humans.
type ValidationError struct {
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid frame (%s): %s", e.Code, e.Reason)
}

// Validationf builds a ValidationError with a formatted reason.
func Validationf(code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AsValidation unwraps err into a *ValidationError if it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// ErrorCode maps any pipeline error to the stable code used in wire error
// messages and HTTP responses.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrDownstreamUnavailable):
		return "downstream_unavailable"
	case errors.Is(err, ErrSessionFinalized):
		return "session_finalized"
	case errors.Is(err, ErrUnknownSession):
		return "unknown_session"
	default:
		if ve, ok := AsValidation(err); ok {
			return ve.Code
		}
		return "internal_error"
	}
}
