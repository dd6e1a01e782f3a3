package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKindAndCode(t *testing.T) {
	err := New(KindNotFound, CodeSessionNotFound, "session abc not found")

	assert.True(t, errors.Is(err, &Error{Kind: KindNotFound}))
	assert.True(t, errors.Is(err, &Error{Code: CodeSessionNotFound}))
	assert.True(t, errors.Is(err, &Error{Kind: KindNotFound, Code: CodeSessionNotFound}))
	assert.False(t, errors.Is(err, &Error{Kind: KindTimeout}))
	assert.False(t, errors.Is(err, &Error{Code: CodeRunNotFound}))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindExternalService, "", "browser backend failed", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindExternalService, KindOf(err))
}

func TestKindOfUntypedError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "", CodeOf(errors.New("boom")))
}

func TestKindOfWrappedChain(t *testing.T) {
	inner := New(KindBudgetExceeded, CodeBudgetExceeded, "llm call budget exhausted")
	outer := fmt.Errorf("executing node: %w", inner)

	require.Equal(t, KindBudgetExceeded, KindOf(outer))
	assert.Equal(t, CodeBudgetExceeded, CodeOf(outer))
}

func TestFatal(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"policy violation", New(KindPolicyViolation, CodeURLBlocked, "blocked"), true},
		{"budget exceeded", New(KindBudgetExceeded, CodeBudgetExceeded, "over"), true},
		{"timeout", New(KindTimeout, CodeExecutionTimeout, "deadline"), true},
		{"external service", New(KindExternalService, "", "backend down"), false},
		{"untyped", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, Fatal(tt.err))
		})
	}
}

func TestWithDetailsDoesNotMutateOriginal(t *testing.T) {
	base := New(KindValidation, CodeInvalidRequest, "prompt is required")
	detailed := base.WithDetails(map[string]any{"field": "prompt"})

	assert.Nil(t, base.Details)
	assert.Equal(t, "prompt", detailed.Details["field"])
}
