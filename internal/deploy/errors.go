package deploy

import (
	"errors"
	"fmt"

	"github.com/schaermu/fastdeploy/internal/remote"
)

// Step names reported in StepError.
const (
	StepResolve     = "resolve"
	StepClone       = "clone"
	StepPromote     = "promote"
	StepPermissions = "finalize-permissions"
	StepEnsureLog   = "ensure-log"
	StepUpdate      = "update"
	StepRecord      = "record"
	StepMigrate     = "migrate"
	StepCurrent     = "current"
	StepPrevious    = "previous"
	StepSetup       = "setup"
)

// StepError identifies the host, procedure and step a failure came from.
type StepError struct {
	Host      string
	Procedure Procedure
	Step      string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s on %s: step %s failed: %v", e.Procedure, e.Host, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Output returns the output of the remote command that failed, if any.
func (e *StepError) Output() string {
	var cmdErr *remote.CommandError
	if errors.As(e.Err, &cmdErr) {
		return cmdErr.Output()
	}
	return ""
}
