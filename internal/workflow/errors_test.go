package workflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorHelpers(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", unknownStage("onboarding", "ghost"))

	assert.True(t, IsUnknownStage(wrapped))
	assert.True(t, IsConfigError(wrapped))
	assert.False(t, IsUnknownFunnel(wrapped))
	assert.False(t, IsAlreadyAdvanced(wrapped))
	assert.Equal(t, "outer: UNKNOWN_STAGE: stage is not in funnel (funnel=onboarding, stage=ghost)", wrapped.Error())

	assert.True(t, IsInvalidSchedule(invalidSchedule("f", "s", errors.New("bad"))))
	assert.True(t, IsUnknownFunnel(unknownFunnel("f")))
	assert.False(t, IsConfigError(errors.New("plain")))
}

func TestErrAlreadyAdvanced_Is(t *testing.T) {
	err := fmt.Errorf("run: %w", &Error{Code: ErrCodeAlreadyAdvanced, Message: "stage already advanced", StageID: 7})
	assert.ErrorIs(t, err, ErrAlreadyAdvanced)
	assert.True(t, IsAlreadyAdvanced(err))
	assert.NotErrorIs(t, unknownFunnel("x"), ErrAlreadyAdvanced)
	assert.Equal(t, "ALREADY_ADVANCED: stage already advanced (stage_id=7)", errors.Unwrap(err).Error())
}
