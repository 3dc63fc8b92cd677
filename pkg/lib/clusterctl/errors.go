package clusterctl

import (
	"errors"
	"fmt"
	"strings"

	utilexec "k8s.io/utils/exec"
)

// CommandError is returned when the command-line client exits unsuccessfully.
// Args holds the binary and the arguments without credential flags.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", strings.Join(e.Args, " "))
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitStatus returns the exit code of the failed command, or -1 if the process did
// not exit normally.
func (e *CommandError) ExitStatus() int {
	var exitErr utilexec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

// Outputs the command-line clients print when the target object, or its kind, is
// absent.
var notFoundMarkers = []string{
	"(NotFound)",
	"not found",
	"the server doesn't have a resource type",
	"no matches for kind",
}

// IsNotFound reports whether err is a CommandError caused by the target object
// being absent.
func IsNotFound(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	for _, marker := range notFoundMarkers {
		if strings.Contains(cmdErr.Output, marker) {
			return true
		}
	}
	return false
}

// IgnoreNotFound returns nil on not-found errors. Use it in teardown paths only.
func IgnoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}
