package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeConversion ErrorType = "conversion"
	ErrorTypeExtraction ErrorType = "extraction"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeMalformed  ErrorType = "malformed"
	ErrorTypeTransient  ErrorType = "transient"
)

// DomainError represents a domain-specific error with context.
// StatusCode carries the HTTP status of a failed external call, or 0.
type DomainError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Err        error
}

func (e *DomainError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, msg)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func ConversionError(message string, err error) *DomainError {
	return NewError(ErrorTypeConversion, message, err)
}

func ExtractionError(message string, err error) *DomainError {
	return NewError(ErrorTypeExtraction, message, err)
}

func APIError(message string, err error) *DomainError {
	return NewError(ErrorTypeAPI, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

func MalformedError(message string, err error) *DomainError {
	return NewError(ErrorTypeMalformed, message, err)
}

// StatusError builds an API error for a non-200 response. 429 and 5xx
// responses are typed transient so the dispatcher retries them.
func StatusError(statusCode int, message string) *DomainError {
	errType := ErrorTypeAPI
	if retryableStatus(statusCode) {
		errType = ErrorTypeTransient
	}
	return &DomainError{
		Type:       errType,
		Message:    message,
		StatusCode: statusCode,
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var de *DomainError
	if !errors.As(err, &de) {
		return false
	}
	if de.Type == ErrorTypeTransient {
		return true
	}
	return retryableStatus(de.StatusCode)
}

// IsType reports whether err is a DomainError of the given type.
func IsType(err error, errType ErrorType) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Type == errType
}

func retryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= 500 && statusCode <= 599)
}
