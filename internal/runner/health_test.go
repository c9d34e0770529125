package runner

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/funnel/internal/testutil"
)

func TestHealth_Cycle(t *testing.T) {
	clock := testutil.NewClock(time.Date(2025, time.August, 11, 10, 0, 0, 0, time.UTC))
	h := NewHealth(clock.Now, nil)

	assert.Equal(t, StateStarting, h.State())
	assert.True(t, h.Healthy())

	require.NoError(t, h.Ready())
	assert.Equal(t, StateRunning, h.State())
	assert.Equal(t, 1, h.Status().Cycles)

	clock.Advance(time.Minute)
	require.NoError(t, h.Fail(errors.New("broker gone")))
	st := h.Status()
	assert.Equal(t, StateDegraded, st.State)
	assert.Equal(t, "broker gone", st.LastError)
	assert.Equal(t, clock.Now(), st.Since)
	assert.False(t, h.Healthy())

	require.NoError(t, h.Cool())
	assert.Equal(t, StateCooling, h.State())
	assert.False(t, h.Healthy())

	require.NoError(t, h.Restart())
	assert.Equal(t, StateStarting, h.State())

	require.NoError(t, h.Ready())
	assert.Equal(t, 2, h.Status().Cycles)
}

func TestHealth_FailWhileStarting(t *testing.T) {
	h := NewHealth(nil, nil)
	require.NoError(t, h.Fail(errors.New("dial")))
	assert.Equal(t, StateDegraded, h.State())

	// A second failure report while degraded is absorbed.
	require.NoError(t, h.Fail(errors.New("again")))
	assert.Equal(t, StateDegraded, h.State())
	assert.Equal(t, "again", h.Status().LastError)
}

func TestHealth_RejectsInvalidTransition(t *testing.T) {
	h := NewHealth(nil, nil)
	assert.Error(t, h.Cool(), "starting cannot cool down")
	assert.Error(t, h.Restart())
	assert.Equal(t, StateStarting, h.State())
}

func TestHealth_StopIsFinal(t *testing.T) {
	h := NewHealth(nil, nil)
	require.NoError(t, h.Ready())
	require.NoError(t, h.Stop())
	assert.Equal(t, StateStopped, h.State())

	require.NoError(t, h.Stop())
	assert.Error(t, h.Ready())
	assert.Equal(t, StateStopped, h.State())
}
