package workflow

import (
	"errors"
	"fmt"
)

// Error is a workflow failure with a category code.
//
// Codes:
//   - UNKNOWN_FUNNEL: the instance names a funnel that is not configured
//   - UNKNOWN_STAGE: the stage to run is not in the funnel
//   - INVALID_SCHEDULE: a delay or time of day does not parse
//   - ALREADY_ADVANCED: the stage row was closed by someone else
//
// The first three are configuration problems; the stage is stalled until an
// operator fixes the funnel. ALREADY_ADVANCED is a lost race and callers
// treat it as a no-op.
type Error struct {
	Code    ErrorCode
	Message string
	Funnel  string
	Stage   string
	StageID int64
}

// ErrorCode categorizes workflow errors.
type ErrorCode string

const (
	ErrCodeUnknownFunnel   ErrorCode = "UNKNOWN_FUNNEL"
	ErrCodeUnknownStage    ErrorCode = "UNKNOWN_STAGE"
	ErrCodeInvalidSchedule ErrorCode = "INVALID_SCHEDULE"
	ErrCodeAlreadyAdvanced ErrorCode = "ALREADY_ADVANCED"
)

// ErrAlreadyAdvanced matches any ALREADY_ADVANCED error with errors.Is.
var ErrAlreadyAdvanced = &Error{Code: ErrCodeAlreadyAdvanced, Message: "stage already advanced"}

func (e *Error) Error() string {
	switch {
	case e.Funnel != "" && e.Stage != "":
		return fmt.Sprintf("%s: %s (funnel=%s, stage=%s)", e.Code, e.Message, e.Funnel, e.Stage)
	case e.Funnel != "":
		return fmt.Sprintf("%s: %s (funnel=%s)", e.Code, e.Message, e.Funnel)
	case e.StageID != 0:
		return fmt.Sprintf("%s: %s (stage_id=%d)", e.Code, e.Message, e.StageID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors of the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func hasCode(err error, code ErrorCode) bool {
	var we *Error
	if errors.As(err, &we) {
		return we.Code == code
	}
	return false
}

// IsUnknownFunnel reports whether err is an UNKNOWN_FUNNEL error.
func IsUnknownFunnel(err error) bool { return hasCode(err, ErrCodeUnknownFunnel) }

// IsUnknownStage reports whether err is an UNKNOWN_STAGE error.
func IsUnknownStage(err error) bool { return hasCode(err, ErrCodeUnknownStage) }

// IsInvalidSchedule reports whether err is an INVALID_SCHEDULE error.
func IsInvalidSchedule(err error) bool { return hasCode(err, ErrCodeInvalidSchedule) }

// IsAlreadyAdvanced reports whether err is an ALREADY_ADVANCED error.
func IsAlreadyAdvanced(err error) bool { return hasCode(err, ErrCodeAlreadyAdvanced) }

// IsConfigError reports whether err should stall the stage rather than be
// retried.
func IsConfigError(err error) bool {
	return IsUnknownFunnel(err) || IsUnknownStage(err) || IsInvalidSchedule(err)
}

func unknownFunnel(name string) *Error {
	return &Error{Code: ErrCodeUnknownFunnel, Message: "funnel is not configured", Funnel: name}
}

func unknownStage(funnel, stage string) *Error {
	return &Error{Code: ErrCodeUnknownStage, Message: "stage is not in funnel", Funnel: funnel, Stage: stage}
}

func invalidSchedule(funnel, stage string, err error) *Error {
	return &Error{Code: ErrCodeInvalidSchedule, Message: err.Error(), Funnel: funnel, Stage: stage}
}
