package taskerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassificationPredicates(t *testing.T) {
	base := errors.New("socket closed")

	assert.True(t, IsTransient(Transient(base)))
	assert.True(t, IsTransient(Transientf("timeout after %d ms", 250)))
	assert.False(t, IsTransient(base))

	assert.True(t, IsMalformed(Malformed(base)))
	assert.False(t, IsMalformed(Transient(base)))

	assert.True(t, IsFatal(FatalConfig("no api key")))
	assert.False(t, IsFatal(base))
}

func TestNilPassthrough(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Malformed(nil))
}

func TestWrappersPreserveCause(t *testing.T) {
	base := errors.New("connection refused")
	assert.ErrorIs(t, Transient(base), base)
	assert.ErrorIs(t, Malformed(base), base)
}

func TestLLMErrorTransience(t *testing.T) {
	base := errors.New("503 from upstream")

	flaky := &LLMError{AgentID: "content_writer", Transient: true, Err: base}
	assert.True(t, IsTransient(flaky))
	assert.ErrorIs(t, flaky, base)

	hard := &LLMError{AgentID: "content_writer", Err: base}
	assert.False(t, IsTransient(hard))
	assert.ErrorIs(t, hard, base)
}

func TestCollectorErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("rate limited")
	err := &CollectorError{Source: "tavily", Query: "grid storage", Err: base}
	assert.Contains(t, err.Error(), "tavily")
	assert.Contains(t, err.Error(), "grid storage")
	assert.ErrorIs(t, err, base)
}

func TestTaskExecutionErrorCarriesStage(t *testing.T) {
	cause := &QualityEvaluationError{Err: errors.New("no parsable score")}
	err := &TaskExecutionError{Stage: "refinement", Cause: cause}
	assert.Contains(t, err.Error(), "refinement")

	var qe *QualityEvaluationError
	assert.True(t, errors.As(err, &qe))
}
