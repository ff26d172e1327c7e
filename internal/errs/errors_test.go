package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewNotFound("e-1", "blob is absent").With("uri", "mem://x/abc")

	assert.Equal(t, "NOT_FOUND: blob is absent (entry=e-1, uri=mem://x/abc)", err.Error())
}

func TestErrorIsMatchesSentinelByCode(t *testing.T) {
	err := fmt.Errorf("get data: %w", NewNotFound("e-1", "no storage uri bound"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrCacheMiss))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsSignature(err))
}

func TestWithDoesNotMutateReceiver(t *testing.T) {
	base := New(CodeType, "bad arg")
	derived := base.With("param", "x")

	assert.Nil(t, base.Details)
	assert.Equal(t, "x", derived.Details["param"])
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := New(CodeUnsupportedType, "cannot stage").Wrap(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestCodePredicates(t *testing.T) {
	tests := []struct {
		err  error
		pred func(error) bool
	}{
		{New(CodeSignature, "x"), IsSignature},
		{New(CodeType, "x"), IsType},
		{NewUnsupportedType("chan int", "no serializer"), IsUnsupportedType},
		{New(CodeConcurrentWorkflow, "x"), IsConcurrentWorkflow},
		{New(CodeCacheMiss, "x"), IsCacheMiss},
		{NewWhiteboardField("wb", "f", "assigned twice"), IsWhiteboardField},
		{New(CodeAlreadyFilled, "x"), IsAlreadyFilled},
		{New(CodeInvalidState, "x"), IsInvalidState},
	}
	for _, tt := range tests {
		t.Run(string(CodeOf(tt.err)), func(t *testing.T) {
			assert.True(t, tt.pred(tt.err))
			assert.True(t, tt.pred(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}
	assert.False(t, IsNotFound(nil))
}

func TestExecutionError(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("barrier: %w", &ExecutionError{
		TaskID:      "call-1",
		OpName:      "train",
		ReturnCode:  1,
		Description: "boom",
		Err:         cause,
	})

	assert.True(t, IsExecution(err))
	assert.ErrorIs(t, err, cause)

	var ee *ExecutionError
	assert.ErrorAs(t, err, &ee)
	assert.Equal(t, "train", ee.OpName)
	assert.Contains(t, err.Error(), "rc=1")
}
