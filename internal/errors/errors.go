package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies application errors
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT"

	ErrCodeMarketDataUnavailable ErrorCode = "MARKET_DATA_UNAVAILABLE"
	ErrCodeMarketDataInvalid     ErrorCode = "MARKET_DATA_INVALID"
	ErrCodeMarketDataStale       ErrorCode = "MARKET_DATA_STALE"

	ErrCodePositionAlreadyOpen ErrorCode = "POSITION_ALREADY_OPEN"
	ErrCodePositionNotOpen     ErrorCode = "POSITION_NOT_OPEN"
	ErrCodeInsufficientCapital ErrorCode = "INSUFFICIENT_CAPITAL"

	ErrCodeRiskLimitExceeded ErrorCode = "RISK_LIMIT_EXCEEDED"
	ErrCodeMaxPositions      ErrorCode = "MAX_POSITIONS_REACHED"

	ErrCodePersistence ErrorCode = "PERSISTENCE_ERROR"
)

// ErrorSeverity ranks how loudly an error should be surfaced
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError is the application error type carrying a code and context
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Severity  ErrorSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  defaultSeverity(code),
		Timestamp: time.Now(),
	}
}

// Newf creates an AppError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a code and message
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  defaultSeverity(code),
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// Wrapf wraps an existing error with a code and formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func defaultSeverity(code ErrorCode) ErrorSeverity {
	switch code {
	case ErrCodePersistence, ErrCodeInternal:
		return SeverityCritical
	case ErrCodeRiskLimitExceeded, ErrCodeInsufficientCapital:
		return SeverityHigh
	case ErrCodeMarketDataStale, ErrCodeMarketDataUnavailable:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// HasCode reports whether any error in err's chain carries the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Code == code {
			return true
		}
		if appErr.Cause != nil {
			return HasCode(appErr.Cause, code)
		}
	}
	return false
}

// IsTransient reports whether the error is a recoverable data-source failure
func IsTransient(err error) bool {
	return HasCode(err, ErrCodeTimeout) ||
		HasCode(err, ErrCodeRateLimit) ||
		HasCode(err, ErrCodeMarketDataUnavailable)
}
