package prereq

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRequiredLabel matches every *MissingLabelError.
	ErrMissingRequiredLabel = errors.New("required label missing")
	// ErrNoMatchingProvisioner is returned when no registered provisioner
	// accepts the configured selector.
	ErrNoMatchingProvisioner = errors.New("no provisioner accepts the selector")
	// ErrPrerequisiteNotReady is returned by Acquire when the shared
	// installation did not become ready.
	ErrPrerequisiteNotReady = errors.New("shared prerequisites are not ready")
)

// MissingLabelError reports a flag label absent from the shared namespace,
// meaning the namespace was never initialized.
type MissingLabelError struct {
	Namespace string
	Key       string
}

func (e *MissingLabelError) Error() string {
	return fmt.Sprintf("namespace %s has no %s label", e.Namespace, e.Key)
}

func (e *MissingLabelError) Is(target error) bool {
	return target == ErrMissingRequiredLabel
}
