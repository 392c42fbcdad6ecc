// Package retrypolicy centralizes retry/backoff behavior for calls to
// external collaborators (LLM service, source collectors). One policy
// value is built at startup and applied uniformly instead of scattering
// ad hoc retry loops per call site.
package retrypolicy

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/veritaslab/scribe/internal/taskerrors"
)

// Policy describes bounded exponential backoff for transient failures.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Default is the policy applied at the core/collaborator boundary.
var Default = Policy{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	Multiplier:      2.0,
}

// Do runs op, retrying transient failures up to MaxAttempts total
// attempts. Non-transient errors, fatal configuration errors and context
// cancellation stop immediately. When attempts are exhausted the last
// error is wrapped with ErrExhaustedRetries.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	attempts := uint64(p.MaxAttempts)
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, attempts-1), ctx)

	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if taskerrors.IsFatal(err) || !taskerrors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err == nil {
		return nil
	}
	if taskerrors.IsFatal(err) || !taskerrors.IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %w", taskerrors.ErrExhaustedRetries, err)
}

// DoStrict runs op once and, if the result is a malformed-output error,
// runs strictOp exactly once. Any other failure is returned as is. This
// is the contract for structured LLM responses: one stricter retry, then
// give up.
func DoStrict(ctx context.Context, op, strictOp func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	if !taskerrors.IsMalformed(err) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return strictOp(ctx)
}
