// Package taskerrors defines the error taxonomy shared across the
// orchestration engine. Classification here drives the retry policy:
// transient errors are retried with backoff, malformed structured output
// gets exactly one stricter retry, fatal configuration errors abort the
// session immediately.
package taskerrors

import (
	"errors"
	"fmt"
)

// Sentinel categories. Wrap concrete failures with these via %w so that
// errors.Is classification works at the retry boundary.
var (
	ErrTransient        = errors.New("transient error")
	ErrMalformedOutput  = errors.New("malformed structured output")
	ErrExhaustedRetries = errors.New("exhausted retries")
	ErrFatalConfig      = errors.New("fatal configuration error")
)

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Transientf builds a retryable error from a format string.
func Transientf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Malformed marks err as a structured-output parse failure.
func Malformed(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrMalformedOutput, err)
}

// FatalConfig marks a missing collaborator or credential.
func FatalConfig(msg string) error {
	return fmt.Errorf("%w: %s", ErrFatalConfig, msg)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsMalformed reports whether err is a structured-output parse failure.
func IsMalformed(err error) bool { return errors.Is(err, ErrMalformedOutput) }

// IsFatal reports whether err must abort the session without retry.
func IsFatal(err error) bool { return errors.Is(err, ErrFatalConfig) }

// CollectorError is an isolated failure of one (query, source) pair.
type CollectorError struct {
	Source string
	Query  string
	Err    error
}

func (e *CollectorError) Error() string {
	return fmt.Sprintf("collector %s(%q): %v", e.Source, e.Query, e.Err)
}

func (e *CollectorError) Unwrap() error { return e.Err }

// LLMError is a failure of one language-model call.
type LLMError struct {
	AgentID   string
	Transient bool
	Err       error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm call %s: %v", e.AgentID, e.Err)
}

func (e *LLMError) Unwrap() error {
	if e.Transient {
		return Transient(e.Err)
	}
	return e.Err
}

// QueryGenerationError is surfaced when query generation exhausts its
// retries; the orchestrator falls back to deterministic expansion.
type QueryGenerationError struct {
	Strategy string
	Err      error
}

func (e *QueryGenerationError) Error() string {
	return fmt.Sprintf("query generation (%s): %v", e.Strategy, e.Err)
}

func (e *QueryGenerationError) Unwrap() error { return e.Err }

// QualityEvaluationError means quality is unknown for the round; the
// caller defaults the overall score to the lowest bound.
type QualityEvaluationError struct {
	Err error
}

func (e *QualityEvaluationError) Error() string {
	return fmt.Sprintf("quality evaluation: %v", e.Err)
}

func (e *QualityEvaluationError) Unwrap() error { return e.Err }

// TaskExecutionError is the terminal failure of a session, carrying the
// stage where it happened.
type TaskExecutionError struct {
	Stage string
	Cause error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Cause)
}

func (e *TaskExecutionError) Unwrap() error { return e.Cause }
