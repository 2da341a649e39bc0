// Package errors provides the lifecycle error taxonomy and its mapping onto
// HTTP responses and Camunda job outcomes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeNotFound              ErrorCode = "STATE_NOT_FOUND"
	ErrCodeIllegalTransition     ErrorCode = "ILLEGAL_TRANSITION"
	ErrCodeValidationFailed      ErrorCode = "VALIDATION_FAILED"
	ErrCodeConcurrencyConflict   ErrorCode = "CONCURRENCY_CONFLICT"
	ErrCodeIncompleteApplication ErrorCode = "INCOMPLETE_APPLICATION"
	ErrCodeExpiredReference      ErrorCode = "EXPIRED_REFERENCE"

	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeNotificationSendFailed   ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeInvalidJobPayload        ErrorCode = "INVALID_JOB_PAYLOAD"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. Lifecycle Errors
// ==========================

// NotFoundError means no active record exists for the key, or it has expired.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// IllegalTransitionError is raised when To is not a legal edge out of From.
type IllegalTransitionError struct {
	From    string
	To      string
	Allowed []string
}

func (e *IllegalTransitionError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("illegal transition from %q to %q: no transitions allowed", e.From, e.To)
	}
	return fmt.Sprintf("illegal transition from %q to %q: allowed [%s]", e.From, e.To, strings.Join(e.Allowed, ", "))
}

// ValidationError describes one malformed input field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every field failure of one request.
type ValidationErrors struct {
	Errors []ValidationError
}

func (e *ValidationErrors) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ConcurrencyConflictError means the optimistic version check kept failing.
type ConcurrencyConflictError struct {
	SessionID string
	Attempts  int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent update conflict on session %s after %d attempts", e.SessionID, e.Attempts)
}

// IncompleteApplicationError is returned when finalization is attempted
// before the conversation reached its completion step.
type IncompleteApplicationError struct {
	SessionID   string
	CurrentStep string
}

func (e *IncompleteApplicationError) Error() string {
	return fmt.Sprintf("incomplete application: session %s is at step %q", e.SessionID, e.CurrentStep)
}

// ExpiredReferenceError is returned for reference codes past their own TTL.
type ExpiredReferenceError struct {
	ReferenceCode string
	ExpiredAt     time.Time
}

func (e *ExpiredReferenceError) Error() string {
	return fmt.Sprintf("reference code %s expired at %s", e.ReferenceCode, e.ExpiredAt.Format(time.RFC3339))
}

// ==========================
// 3. Constructors
// ==========================

func NewNotFoundError(resource, key string) *NotFoundError {
	return &NotFoundError{Resource: resource, Key: key}
}

func NewIllegalTransitionError(from, to string, allowed []string) *IllegalTransitionError {
	return &IllegalTransitionError{From: from, To: to, Allowed: allowed}
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "Database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryExecutionFailedError creates a retryable query execution error.
func NewQueryExecutionFailedError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryExecutionFailed,
		Message:   "Database query execution error",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidJobPayloadError creates a non-retryable job input error.
func NewInvalidJobPayloadError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidJobPayload,
		Message:   "Invalid job payload",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 4. Classification
// ==========================

func IsNotFound(err error) bool {
	var target *NotFoundError
	return stderrors.As(err, &target)
}

// IsValidation matches a single field error as well as a batch of them.
func IsValidation(err error) bool {
	var one *ValidationError
	var many *ValidationErrors
	return stderrors.As(err, &one) || stderrors.As(err, &many)
}

func IsIllegalTransition(err error) bool {
	var target *IllegalTransitionError
	return stderrors.As(err, &target)
}

func IsConcurrencyConflict(err error) bool {
	var target *ConcurrencyConflictError
	return stderrors.As(err, &target)
}

// ToStandardError normalizes any error into a StandardError, keeping the
// typed lifecycle error's code and retryability.
func ToStandardError(err error) *StandardError {
	if err == nil {
		return nil
	}

	var (
		std         *StandardError
		notFound    *NotFoundError
		illegal     *IllegalTransitionError
		invalid     *ValidationError
		invalidMany *ValidationErrors
		conflict    *ConcurrencyConflictError
		incomplete  *IncompleteApplicationError
		expiredRef  *ExpiredReferenceError
		code        ErrorCode
		retryable   bool
		metadata    map[string]interface{}
	)

	switch {
	case stderrors.As(err, &std):
		return std
	case stderrors.As(err, &notFound):
		code = ErrCodeNotFound
	case stderrors.As(err, &illegal):
		code = ErrCodeIllegalTransition
		metadata = map[string]interface{}{"from": illegal.From, "to": illegal.To, "allowed": illegal.Allowed}
	case stderrors.As(err, &invalid):
		code = ErrCodeValidationFailed
		metadata = map[string]interface{}{"field": invalid.Field}
	case stderrors.As(err, &invalidMany):
		code = ErrCodeValidationFailed
		metadata = map[string]interface{}{"errors": invalidMany.Errors}
	case stderrors.As(err, &conflict):
		code = ErrCodeConcurrencyConflict
		retryable = true
	case stderrors.As(err, &incomplete):
		code = ErrCodeIncompleteApplication
		metadata = map[string]interface{}{"currentStep": incomplete.CurrentStep}
	case stderrors.As(err, &expiredRef):
		code = ErrCodeExpiredReference
	default:
		code = ErrCodeInternal
	}

	return &StandardError{
		Code:      code,
		Message:   err.Error(),
		Retryable: retryable,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
}

// HTTPStatus maps an error onto the response status used by the API layer.
func HTTPStatus(err error) int {
	switch ToStandardError(err).Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeIllegalTransition, ErrCodeConcurrencyConflict:
		return http.StatusConflict
	case ErrCodeValidationFailed:
		return http.StatusUnprocessableEntity
	case ErrCodeIncompleteApplication, ErrCodeInvalidJobPayload:
		return http.StatusBadRequest
	case ErrCodeExpiredReference:
		return http.StatusGone
	case ErrCodeDatabaseConnectionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ==========================
// 5. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// GetRetryCount returns how many times the engine should retry a job that
// failed with code. Business outcomes are never retried.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeNotificationSendFailed,
		ErrCodeInternal:
		return 3
	case ErrCodeConcurrencyConflict:
		return 2
	default:
		return 0
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable && stdErr.Code != ErrCodeInternal {
		retries = 0
	}

	vars := map[string]interface{}{
		"originalErrorCode": string(stdErr.Code),
		"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
	}
	for k, v := range stdErr.Metadata {
		vars[k] = v
	}

	return &BPMNError{
		Code:           string(stdErr.Code),
		Message:        stdErr.Message,
		Details:        stdErr.Details,
		Retryable:      retries > 0,
		Retries:        retries,
		ErrorVariables: vars,
	}
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "TRANSITION"), strings.Contains(codeStr, "INCOMPLETE"), strings.Contains(codeStr, "REFERENCE"):
		return "LIFECYCLE"
	case strings.Contains(codeStr, "DATABASE"), strings.Contains(codeStr, "QUERY"), strings.Contains(codeStr, "CONFLICT"):
		return "DATABASE"
	case strings.Contains(codeStr, "NOTIFICATION"):
		return "NOTIFICATION"
	case strings.Contains(codeStr, "VALIDATION"), strings.Contains(codeStr, "INVALID"):
		return "VALIDATION"
	case strings.Contains(codeStr, "NOT_FOUND"):
		return "LOOKUP"
	default:
		return "OTHER"
	}
}
