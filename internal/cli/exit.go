package cli

import (
	"fmt"

	"github.com/agentsh/autoapprove/internal/policy"
)

// Exit codes of the check command.
const (
	exitApproved = 0
	exitError    = 1
	exitManual   = 2
	exitDenied   = 3
)

// ExitError is returned by commands that want to control the process exit code
// without necessarily printing an additional error message.
type ExitError struct {
	code    int
	message string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *ExitError) Code() int {
	if e == nil {
		return exitError
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// verdictExit maps a verdict to the check command's result. Approved
// commands return nil so the process exits 0.
func verdictExit(v policy.Verdict) error {
	switch v {
	case policy.Approved:
		return nil
	case policy.Denied:
		return &ExitError{code: exitDenied}
	default:
		return &ExitError{code: exitManual}
	}
}
