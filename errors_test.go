package amcp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewError_DefaultsRetryableFromKind(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindValidationError, false},
		{KindBrokerUnavailable, true},
		{KindBackpressureError, true},
		{KindTimeoutError, false},
		{KindCapabilityNotFound, false},
	}
	for _, tc := range cases {
		err := NewError(tc.kind, "boom", nil)
		assert.Equal(t, tc.retryable, err.Retryable, tc.kind)
		assert.Equal(t, tc.retryable, IsRetryable(err), tc.kind)
	}
}

func TestError_WithCorrelationAndRetryable(t *testing.T) {
	base := NewError(KindHandlerError, "handler panicked", nil)
	assert.False(t, base.Retryable)

	transient := base.WithRetryable(true)
	assert.True(t, transient.Retryable)
	assert.False(t, base.Retryable, "WithRetryable must not mutate the receiver")

	withCorr := transient.WithCorrelation("corr-1")
	assert.Equal(t, "corr-1", withCorr.CorrelationID)
	assert.Empty(t, transient.CorrelationID, "WithCorrelation must not mutate the receiver")
}

func TestError_MessageFormatting(t *testing.T) {
	err := NewError(KindTimeoutError, "deadline exceeded", nil)
	assert.Equal(t, "TimeoutError: deadline exceeded", err.Error())

	withCorr := err.WithCorrelation("corr-9")
	assert.Equal(t, "TimeoutError: deadline exceeded (correlation=corr-9)", withCorr.Error())
}

func TestError_UnwrapAndErrorsAs(t *testing.T) {
	cause := errors.New("underlying")
	err := NewError(KindValidationError, "bad input", cause)

	assert.ErrorIs(t, err, cause)

	var amcpErr *Error
	ok := errors.As(err, &amcpErr)
	assert.True(t, ok)
	assert.Equal(t, KindValidationError, amcpErr.Kind)
}

func TestKindOf_NonAMCPError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
