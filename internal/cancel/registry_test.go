package cancel

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckBeforeAndAfterCancel(t *testing.T) {
	r := NewRegistry()
	h := new(int)

	require.NoError(t, r.Check(h))
	r.Cancel(h)
	assert.ErrorIs(t, r.Check(h), ErrCanceled)

	// Cancelling again is harmless.
	r.Cancel(h)
	assert.ErrorIs(t, r.Check(h), ErrCanceled)
}

func TestIsCanceledMatchesWrappedErrors(t *testing.T) {
	assert.True(t, IsCanceled(ErrCanceled))
	assert.True(t, IsCanceled(fmt.Errorf("load: %w", ErrCanceled)))
	assert.False(t, IsCanceled(fmt.Errorf("load failed")))
	assert.False(t, IsCanceled(nil))
}

func TestAbortHooksFireOnCancel(t *testing.T) {
	r := NewRegistry()
	h := new(int)

	fired := 0
	r.OnCancel(h, func() { fired++ })
	r.OnCancel(h, func() { fired++ })
	r.Cancel(h)
	assert.Equal(t, 2, fired)

	// Hooks fire at most once.
	r.Cancel(h)
	assert.Equal(t, 2, fired)
}

func TestAbortHookRunsImmediatelyWhenAlreadyCanceled(t *testing.T) {
	r := NewRegistry()
	h := new(int)
	r.Cancel(h)

	fired := false
	r.OnCancel(h, func() { fired = true })
	assert.True(t, fired)
}

func TestClearAbortDropsHooksOnly(t *testing.T) {
	r := NewRegistry()
	h := new(int)

	fired := false
	r.OnCancel(h, func() { fired = true })
	r.ClearAbort(h)
	r.Cancel(h)
	assert.False(t, fired)
	assert.ErrorIs(t, r.Check(h), ErrCanceled)
}

func TestResetClearsState(t *testing.T) {
	r := NewRegistry()
	h := new(int)

	r.CancelSilently(h)
	assert.True(t, r.IsSilent(h))
	r.Reset(h)
	assert.NoError(t, r.Check(h))
	assert.False(t, r.IsSilent(h))
}
