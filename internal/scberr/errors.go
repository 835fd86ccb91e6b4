// Package scberr provides the typed error kinds surfaced by the coherence
// bus core (§7), each carrying whether it is transient (safe to retry) or
// terminal.
package scberr

import (
	"errors"
	"fmt"
)

// Code identifies one of the fixed error kinds of §7.
type Code string

const (
	CodeSchemaInvalid        Code = "SCHEMA_INVALID"
	CodeUnknownDomain        Code = "UNKNOWN_DOMAIN"
	CodeCyclicDependency     Code = "CYCLIC_DEPENDENCY"
	CodeConfidenceBelowFloor Code = "CONFIDENCE_BELOW_FLOOR"
	CodeForbiddenRemoval     Code = "FORBIDDEN_REMOVAL"
	CodeDuplicateFieldName   Code = "DUPLICATE_FIELD_NAME"
	CodeTimestampNotUtc      Code = "TIMESTAMP_NOT_UTC"

	CodeContradiction      Code = "CONTRADICTION"
	CodeUtilityTooLow      Code = "UTILITY_TOO_LOW"
	CodeEvaluatorsDegraded Code = "EVALUATORS_DEGRADED"

	CodeConflict           Code = "CONFLICT"
	CodeContention         Code = "CONTENTION"
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"

	CodeBusUnavailable   Code = "BUS_UNAVAILABLE"
	CodeBusBackpressure  Code = "BUS_BACKPRESSURE"
	CodeEvaluatorTimeout Code = "EVALUATOR_TIMEOUT"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeCircuitOpen      Code = "CIRCUIT_OPEN"

	CodeCancelled        Code = "CANCELLED"
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"
)

// transient marks the §7 error kinds that are handled locally via
// retry+backoff rather than surfaced as a terminal mutation outcome.
var transient = map[Code]bool{
	CodeBusUnavailable:   true,
	CodeBusBackpressure:  true,
	CodeEvaluatorTimeout: true,
	CodeStoreUnavailable: true,
	CodeCircuitOpen:      true,
	CodeConflict:         true, // the pipeline rebases and retries on Conflict
}

// Error is the structured error type every core component returns in place
// of a bare error, so callers can branch on Code/Transient instead of a
// type-switch or string match.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether this error kind is safe to retry locally.
func (e *Error) Transient() bool {
	return transient[e.Code]
}

// WithDetails attaches a diagnostic key/value pair and returns the receiver.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that wraps an existing cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err is a *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// As extracts a *Error from err's chain, if present.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsTransient reports whether err (if a *Error) is retry-safe.
func IsTransient(err error) bool {
	if e := As(err); e != nil {
		return e.Transient()
	}
	return false
}

// Validator rejects (§4.D).

func SchemaInvalid(reason string) *Error {
	return New(CodeSchemaInvalid, reason)
}

func UnknownDomain(domainID string) *Error {
	return New(CodeUnknownDomain, "unknown domain").WithDetails("domain_id", domainID)
}

func CyclicDependency(cycle []string) *Error {
	return New(CodeCyclicDependency, "dependency graph contains a cycle").WithDetails("cycle", cycle)
}

func ConfidenceBelowFloor(domainID string, confidence, floor float64) *Error {
	return New(CodeConfidenceBelowFloor, "confidence below criticality floor").
		WithDetails("domain_id", domainID).
		WithDetails("confidence", confidence).
		WithDetails("floor", floor)
}

func ForbiddenRemoval(domainID string) *Error {
	return New(CodeForbiddenRemoval, "foundational domain cannot be removed").WithDetails("domain_id", domainID)
}

func DuplicateFieldName(domainID, field string) *Error {
	return New(CodeDuplicateFieldName, "duplicate field name").
		WithDetails("domain_id", domainID).
		WithDetails("field", field)
}

func TimestampNotUtc(field string) *Error {
	return New(CodeTimestampNotUtc, "timestamp is not UTC").WithDetails("field", field)
}

// Evaluator rejects (§4.E).

func Contradiction(evidence string) *Error {
	return New(CodeContradiction, "evaluator reported an unresolved contradiction").WithDetails("evidence", evidence)
}

func UtilityTooLow(score, floor float64) *Error {
	return New(CodeUtilityTooLow, "predicted utility below floor").
		WithDetails("score", score).
		WithDetails("floor", floor)
}

func EvaluatorsDegraded(failed []string) *Error {
	return New(CodeEvaluatorsDegraded, "two or more evaluators failed on this mutation").WithDetails("failed", failed)
}

// Store commit (§4.C).

func Conflict(baseVersion, currentVersion string) *Error {
	return New(CodeConflict, "base_version stale at commit time").
		WithDetails("base_version", baseVersion).
		WithDetails("current_version", currentVersion)
}

func Contention() *Error {
	return New(CodeContention, "exhausted rebase retries under contention")
}

func InvariantViolation(which string, err error) *Error {
	return Wrap(CodeInvariantViolation, "committed tree violates an invariant", err).WithDetails("which", which)
}

// Transient infra errors (§7).

func BusUnavailable(err error) *Error {
	return Wrap(CodeBusUnavailable, "stream broker unavailable", err)
}

func BusBackpressure(channel string) *Error {
	return New(CodeBusBackpressure, "channel at capacity").WithDetails("channel", channel)
}

func EvaluatorTimeout(kind string) *Error {
	return New(CodeEvaluatorTimeout, "evaluator did not respond within its deadline").WithDetails("kind", kind)
}

func StoreUnavailable(err error) *Error {
	return Wrap(CodeStoreUnavailable, "knowledge store unavailable", err)
}

func CircuitOpen(name string) *Error {
	return New(CodeCircuitOpen, "circuit breaker is open").WithDetails("name", name)
}

// Caller-driven (§7).

func Cancelled() *Error {
	return New(CodeCancelled, "operation cancelled by caller")
}

func DeadlineExceeded(op string) *Error {
	return New(CodeDeadlineExceeded, "deadline exceeded").WithDetails("op", op)
}
