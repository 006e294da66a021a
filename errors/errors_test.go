package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"store unavailable", ErrStoreUnavailable, true},
		{"rate limited", ErrRateLimited, true},
		{"capability unavailable", ErrUnavailable, true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped store unavailable", fmt.Errorf("submit: %w", ErrStoreUnavailable), true},
		{"timeout pattern", stderrors.New("dial tcp: i/o timeout"), true},
		{"invalid input", ErrInvalidInput, false},
		{"classified transient", WrapTransient(stderrors.New("boom"), "Dispatcher", "dispatch", "summarize"), true},
		{"classified invalid", WrapInvalid(stderrors.New("boom"), "Gate", "Submit", "fingerprint"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrInvalidInput))
	assert.True(t, IsInvalid(ErrMissingFingerprint))
	assert.True(t, IsInvalid(fmt.Errorf("consumer: %w", ErrInvalidInput)))
	assert.False(t, IsInvalid(ErrStoreUnavailable))
	assert.False(t, IsInvalid(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(WrapFatal(stderrors.New("boom"), "Config", "Load", "parse")))
	assert.False(t, IsFatal(ErrQueueFull))
	assert.False(t, IsFatal(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidInput))
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	assert.Equal(t, ErrorTransient, Classify(ErrRateLimited))
	// Unknown errors default to transient so the dispatcher can retry them
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("mystery")))
}

func TestWrapPreservesChain(t *testing.T) {
	base := ErrStoreUnavailable
	wrapped := WrapTransient(base, "Gate", "Submit", "seen-or-mark")

	require.Error(t, wrapped)
	assert.True(t, stderrors.Is(wrapped, ErrStoreUnavailable))

	var ce *ClassifiedError
	require.True(t, stderrors.As(wrapped, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Gate", ce.Component)
	assert.Equal(t, "Submit", ce.Operation)
	assert.Contains(t, wrapped.Error(), "Gate.Submit: seen-or-mark failed")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "M", "a"))
	assert.NoError(t, WrapTransient(nil, "C", "M", "a"))
	assert.NoError(t, WrapInvalid(nil, "C", "M", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "M", "a"))
}
