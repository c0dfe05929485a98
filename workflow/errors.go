package workflow

import (
	"errors"
	"fmt"

	"github.com/BaSui01/brokerflow/types"
)

// Store errors.
var (
	ErrInstanceNotFound = errors.New("workflow instance not found")
	ErrInstanceExists   = errors.New("workflow instance already exists")
)

// InvalidTransitionError is returned when the target state is not adjacent
// to the current one.
type InvalidTransitionError struct {
	InstanceID string
	From       State
	To         State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.InstanceID, e.From, e.To)
}

func (e *InvalidTransitionError) Code() types.ErrorCode { return types.ErrInvalidTransition }

// ConcurrentModificationError is returned when another transition on the
// same instance won. Callers may re-read and retry.
type ConcurrentModificationError struct {
	InstanceID      string
	ExpectedVersion int64
}

func (e *ConcurrentModificationError) Error() string {
	if e.ExpectedVersion > 0 {
		return fmt.Sprintf("concurrent modification of %s (expected version %d)", e.InstanceID, e.ExpectedVersion)
	}
	return fmt.Sprintf("concurrent modification of %s", e.InstanceID)
}

func (e *ConcurrentModificationError) Code() types.ErrorCode { return types.ErrConcurrentModification }
