package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Validation("identity.create", "bad address %s", "0x1"))

	assert.True(t, errors.Is(err, &Error{Kind: KindValidation}))
	assert.False(t, errors.Is(err, &Error{Kind: KindNotFound}))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "bad address 0x1")
}

func TestClassifyKeepsOriginalMessage(t *testing.T) {
	cause := errors.New("upstream said: no contract code at given address")
	err := Classify("agent.resolve", cause, KindSigningEngine)

	assert.Equal(t, KindResolutionRegistry, KindOf(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), cause.Error())
}

func TestClassifyTransportIsRetryable(t *testing.T) {
	err := Classify("agent.sign", context.DeadlineExceeded, KindSigningEngine)

	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.True(t, e.Retryable())
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := Unsupported("identity.create", "peer", []string{"ethr", "key"})
	err := Classify("api", orig, KindSigningEngine)

	assert.Same(t, orig, err)
	assert.Equal(t, []string{"ethr", "key"}, orig.Supported)
}

func TestClassifyFallback(t *testing.T) {
	err := Classify("agent.sign", errors.New("key not held"), KindSigningEngine)
	assert.Equal(t, KindSigningEngine, KindOf(err))
}

func TestClassifyEOF(t *testing.T) {
	for _, cause := range []error{
		io.EOF,
		fmt.Errorf("read body: %w", io.ErrUnexpectedEOF),
	} {
		assert.Equal(t, KindResolutionTransport, KindOf(Classify("did.web.resolve", cause, KindSigningEngine)), cause.Error())
	}

	err := Classify("agent.sign", errors.New("the key thereof is missing"), KindSigningEngine)
	assert.Equal(t, KindSigningEngine, KindOf(err))
}
