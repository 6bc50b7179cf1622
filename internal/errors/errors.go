// Package errors provides enhanced error types with helpful context and suggestions
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Pipeline errors
	ErrCodeAmbiguousIntent       ErrorCode = "AMBIGUOUS_INTENT"
	ErrCodeNoMetricFound         ErrorCode = "NO_METRIC_FOUND"
	ErrCodeTermNotMatched        ErrorCode = "TERM_NOT_MATCHED"
	ErrCodeUngroundablePlan      ErrorCode = "UNGROUNDABLE_PLAN"
	ErrCodePolicyDenied          ErrorCode = "POLICY_DENIED"
	ErrCodeGenerationFailed      ErrorCode = "GENERATION_FAILED"
	ErrCodeValidationFailed      ErrorCode = "VALIDATION_FAILED"
	ErrCodeQuotaExceeded         ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeExecutionFailed       ErrorCode = "EXECUTION_FAILED"
	ErrCodeDiagnosticUnavailable ErrorCode = "DIAGNOSTIC_UNAVAILABLE"
	ErrCodeStageTimeout          ErrorCode = "STAGE_TIMEOUT"

	// Service errors
	ErrCodeModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"
	ErrCodeDatabaseQuery    ErrorCode = "DATABASE_QUERY_FAILED"

	// Authentication errors
	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeTokenCreation      ErrorCode = "TOKEN_CREATION_FAILED"
	ErrCodeSessionCreation    ErrorCode = "SESSION_CREATION_FAILED"
	ErrCodeNotAuthenticated   ErrorCode = "NOT_AUTHENTICATED"
	ErrCodeInsufficientPerms  ErrorCode = "INSUFFICIENT_PERMISSIONS"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"

	// Input validation errors
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeInternal is reported for errors that carry no code.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Quota variants reported in the "variant" metadata of QUOTA_EXCEEDED.
const (
	QuotaVariantRows   = "rows"
	QuotaVariantCost   = "cost"
	QuotaVariantWindow = "window"
)

// EnhancedError represents an error with additional context and helpful information
type EnhancedError struct {
	Code          ErrorCode              `json:"code"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	Suggestion    string                 `json:"suggestion,omitempty"`
	Documentation string                 `json:"documentation,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Cause         error                  `json:"-"`
}

// Error implements the error interface
func (e *EnhancedError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))
	if e.Details != "" {
		sb.WriteString(fmt.Sprintf(": %s", e.Details))
	}
	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf(" (cause: %v)", e.Cause))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain unwrapping
func (e *EnhancedError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly error message with suggestions
func (e *EnhancedError) UserMessage() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Details != "" {
		sb.WriteString(fmt.Sprintf("\n\nDetails: %s", e.Details))
	}

	if e.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion))
	}

	if e.Documentation != "" {
		sb.WriteString(fmt.Sprintf("\n\nLearn more: %s", e.Documentation))
	}

	return sb.String()
}

// New creates a new EnhancedError
func New(code ErrorCode, message string) *EnhancedError {
	return &EnhancedError{
		Code:     code,
		Message:  message,
		Metadata: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with enhanced context
func Wrap(err error, code ErrorCode, message string) *EnhancedError {
	return &EnhancedError{
		Code:     code,
		Message:  message,
		Cause:    err,
		Metadata: make(map[string]interface{}),
	}
}

// WithDetails adds detailed information about the error
func (e *EnhancedError) WithDetails(details string) *EnhancedError {
	e.Details = details
	return e
}

// WithSuggestion adds a suggestion on how to fix the error
func (e *EnhancedError) WithSuggestion(suggestion string) *EnhancedError {
	e.Suggestion = suggestion
	return e
}

// WithMetadata adds additional metadata to the error
func (e *EnhancedError) WithMetadata(key string, value interface{}) *EnhancedError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// As returns the first EnhancedError in err's chain.
func As(err error) (*EnhancedError, bool) {
	var enhanced *EnhancedError
	if stderrors.As(err, &enhanced) {
		return enhanced, true
	}
	return nil, false
}

// Code returns the code of the first EnhancedError in err's chain, or
// ErrCodeInternal when there is none.
func Code(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if enhanced, ok := As(err); ok {
		return enhanced.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && Code(err) == code
}

// HTTPStatus maps an error code to the HTTP status returned to callers.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeAmbiguousIntent, ErrCodeNoMetricFound, ErrCodeTermNotMatched,
		ErrCodeUngroundablePlan, ErrCodeValidationFailed, ErrCodeInvalidInput:
		return http.StatusUnprocessableEntity
	case ErrCodePolicyDenied, ErrCodeInsufficientPerms:
		return http.StatusForbidden
	case ErrCodeNotAuthenticated, ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case ErrCodeQuotaExceeded, ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeStageTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeGenerationFailed, ErrCodeExecutionFailed, ErrCodeDiagnosticUnavailable:
		return http.StatusBadGateway
	case ErrCodeModelUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Common error constructors with pre-configured messages

// NewAmbiguousIntentError reports a disagreement between rule and fallback classification
func NewAmbiguousIntentError(query string, ruleIntent, modelIntent string, confidence float64) *EnhancedError {
	return New(ErrCodeAmbiguousIntent, "Query intent is ambiguous").
		WithDetails(fmt.Sprintf("Could not decide between '%s' and '%s' for query: '%s'", ruleIntent, modelIntent, query)).
		WithSuggestion("Start the question with 'show', 'why' or 'compare' to make the intent explicit.").
		WithMetadata("rule_intent", ruleIntent).
		WithMetadata("model_intent", modelIntent).
		WithMetadata("confidence", confidence)
}

// NewNoMetricFoundError creates an error for queries with no metric term
func NewNoMetricFoundError(query string) *EnhancedError {
	return New(ErrCodeNoMetricFound, "No metric found in query").
		WithDetails(fmt.Sprintf("Could not identify a metric in: '%s'", query)).
		WithSuggestion("Name the measure you want, for example 'Show me revenue by region' or 'How many orders last month?'")
}

// NewTermNotMatchedError creates an error for a term below the fuzzy threshold
func NewTermNotMatchedError(term string, bestScore float64, bestCandidate string) *EnhancedError {
	e := New(ErrCodeTermNotMatched, "Term could not be matched to the semantic model").
		WithDetails(fmt.Sprintf("'%s' did not match any metric or dimension closely enough", term)).
		WithMetadata("term", term).
		WithMetadata("best_score", bestScore).
		WithMetadata("best_candidate", bestCandidate)
	if bestCandidate != "" {
		e.WithSuggestion(fmt.Sprintf("Did you mean '%s'?", bestCandidate))
	}
	return e
}

// NewUngroundablePlanError creates an error for unreachable table combinations
func NewUngroundablePlanError(fromTable, toTable string) *EnhancedError {
	return New(ErrCodeUngroundablePlan, "Requested metrics and dimensions cannot be combined").
		WithDetails(fmt.Sprintf("No join path exists between %s and %s", fromTable, toTable)).
		WithSuggestion("Ask for metrics and dimensions that belong to related data domains.").
		WithMetadata("from_table", fromTable).
		WithMetadata("to_table", toTable)
}

// NewPolicyDeniedError creates an error for denied domain or metric access
func NewPolicyDeniedError(domain, metric string) *EnhancedError {
	e := New(ErrCodePolicyDenied, "Access denied by policy").
		WithMetadata("domain", domain)
	if metric != "" {
		e.WithDetails(fmt.Sprintf("You are not granted access to metric '%s' in domain '%s'", metric, domain)).
			WithMetadata("metric", metric)
	} else {
		e.WithDetails(fmt.Sprintf("You are not granted access to domain '%s'", domain))
	}
	return e.WithSuggestion("Contact your administrator to request access.")
}

// NewGenerationFailedError creates an error for SQL generation failures
func NewGenerationFailedError(err error) *EnhancedError {
	return Wrap(err, ErrCodeGenerationFailed, "Failed to generate SQL").
		WithDetails("The generation service did not return a usable SQL candidate").
		WithSuggestion("Try again later or rephrase the question with explicit metric and dimension names.")
}

// NewValidationFailedError creates an error for a failed static check
func NewValidationFailedError(check, reason string) *EnhancedError {
	return New(ErrCodeValidationFailed, "Generated SQL failed validation").
		WithDetails(reason).
		WithMetadata("check", check)
}

// NewQuotaExceededError creates an error for a rejected safety decision
func NewQuotaExceededError(variant, reason string) *EnhancedError {
	e := New(ErrCodeQuotaExceeded, "Query rejected by safety gate").
		WithDetails(reason).
		WithMetadata("variant", variant)
	switch variant {
	case QuotaVariantRows:
		e.WithSuggestion("Narrow the request with filters or a shorter time range.")
	case QuotaVariantCost:
		e.WithSuggestion("Reduce the number of dimensions or the time range to lower the query cost.")
	default:
		e.WithSuggestion("Your query budget for the current window is used up. Wait for the window to reset.")
	}
	return e
}

// NewExecutionFailedError creates an error for query execution failures
func NewExecutionFailedError(err error) *EnhancedError {
	return Wrap(err, ErrCodeExecutionFailed, "Query execution failed").
		WithDetails("The query engine could not complete the query")
}

// NewDiagnosticUnavailableError creates an error for an aborted diagnostic
func NewDiagnosticUnavailableError(err error, metric string) *EnhancedError {
	return Wrap(err, ErrCodeDiagnosticUnavailable, "Diagnostic analysis unavailable").
		WithDetails(fmt.Sprintf("Could not compare periods for metric '%s'", metric)).
		WithMetadata("metric", metric)
}

// NewStageTimeoutError creates an error for a stage that exceeded its deadline
func NewStageTimeoutError(stage string, err error) *EnhancedError {
	return Wrap(err, ErrCodeStageTimeout, "Pipeline stage timed out").
		WithDetails(fmt.Sprintf("Stage '%s' exceeded its deadline", stage)).
		WithMetadata("stage", stage)
}

// NewModelUnavailableError creates an error for a missing semantic model
func NewModelUnavailableError() *EnhancedError {
	return New(ErrCodeModelUnavailable, "Semantic model not loaded").
		WithSuggestion("The service is starting or the model failed to load. Try again shortly.")
}

// NewInvalidCredentialsError creates an error for authentication failures
func NewInvalidCredentialsError() *EnhancedError {
	return New(ErrCodeInvalidCredentials, "Invalid username or password").
		WithDetails("Authentication failed with the provided credentials").
		WithSuggestion("Please check your username and password and try again.")
}

// NewTokenCreationError creates an error for token creation failures
func NewTokenCreationError(err error) *EnhancedError {
	return Wrap(err, ErrCodeTokenCreation, "Failed to create authentication token").
		WithDetails("The system was unable to generate an authentication token")
}

// NewSessionCreationError creates an error for session creation failures
func NewSessionCreationError(err error) *EnhancedError {
	return Wrap(err, ErrCodeSessionCreation, "Failed to create session").
		WithDetails("The system was unable to create a session")
}

// NewNotAuthenticatedError creates an error for unauthenticated requests
func NewNotAuthenticatedError() *EnhancedError {
	return New(ErrCodeNotAuthenticated, "Authentication required").
		WithDetails("This endpoint requires authentication").
		WithSuggestion("Log in using /api/v1/auth/login, or include a valid API key in the 'X-API-Key' header.")
}

// NewInsufficientPermissionsError creates an error for a missing role
func NewInsufficientPermissionsError(role string) *EnhancedError {
	return New(ErrCodeInsufficientPerms, "Insufficient permissions").
		WithDetails(fmt.Sprintf("This endpoint requires the '%s' role", role)).
		WithMetadata("required_role", role)
}

// NewRateLimitedError creates an error for a client over its request rate
func NewRateLimitedError(limitPerMinute int) *EnhancedError {
	return New(ErrCodeRateLimited, "Rate limit exceeded").
		WithDetails(fmt.Sprintf("At most %d requests per minute are allowed", limitPerMinute)).
		WithSuggestion("Wait a minute before sending more requests.").
		WithMetadata("limit_per_minute", limitPerMinute)
}

// NewInvalidInputError creates an error for invalid input
func NewInvalidInputError(field string, reason string) *EnhancedError {
	return New(ErrCodeInvalidInput, "Invalid input").
		WithDetails(fmt.Sprintf("Field '%s' is invalid: %s", field, reason)).
		WithSuggestion("Please check the API documentation for the expected format and try again.")
}

// NewDatabaseQueryError creates an error for database query failures
func NewDatabaseQueryError(err error, operation string) *EnhancedError {
	return Wrap(err, ErrCodeDatabaseQuery, "Database query failed").
		WithDetails(fmt.Sprintf("Failed to execute database operation: %s", operation))
}

// Response is the JSON error body of the HTTP API.
type Response struct {
	Error   *EnhancedError `json:"error"`
	TraceID string         `json:"trace_id,omitempty"`
}

// ToResponse converts err into a status code and response body. Errors
// without an EnhancedError in their chain are reported as INTERNAL_ERROR and
// their text is not exposed.
func ToResponse(err error, traceID string) (int, Response) {
	enhanced, ok := As(err)
	if !ok {
		enhanced = New(ErrCodeInternal, "Internal server error").
			WithSuggestion("Retry the request. If it keeps failing, contact the operator with the trace id.")
	}
	return HTTPStatus(enhanced.Code), Response{Error: enhanced, TraceID: traceID}
}
