package taskqueue

import (
	"errors"
	"fmt"

	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/BaSui01/brokerflow/types"
)

// ErrLeaseLost is returned when a worker reports on a task it no longer holds.
var ErrLeaseLost = persistence.ErrLeaseLost

// QueueExhaustedError is returned by Fail when a task has used all of its
// attempts and was moved to the dead-letter state.
type QueueExhaustedError struct {
	TaskID   string
	TaskType string
	Attempts int
	Err      error
}

func (e *QueueExhaustedError) Error() string {
	return fmt.Sprintf("task %s (%s) exhausted after %d attempts: %v", e.TaskID, e.TaskType, e.Attempts, e.Err)
}

func (e *QueueExhaustedError) Unwrap() error { return e.Err }

func (e *QueueExhaustedError) Code() types.ErrorCode { return types.ErrQueueExhausted }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Fail dead-letters the task at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// structuralCodes are failures another attempt cannot fix.
var structuralCodes = map[types.ErrorCode]bool{
	types.ErrToolPermanent:   true,
	types.ErrToolNotFound:    true,
	types.ErrToolValidation:  true,
	types.ErrLoopDepthExceed: true,
	types.ErrInvalidRequest:  true,
	types.ErrUnknownAgent:    true,
	types.ErrUnauthorized:    true,
}

// IsPermanent reports whether err was marked with Permanent or carries a
// structural error code. The first coded error in the chain decides, so a
// retryable tool error wrapping a validation failure stays retryable.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	code, ok := errorCode(err)
	return ok && structuralCodes[code]
}

type coded interface {
	Code() types.ErrorCode
}

func errorCode(err error) (types.ErrorCode, bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := e.(type) {
		case *types.Error:
			if v.Retryable {
				return v.Code, false
			}
			return v.Code, true
		case coded:
			return v.Code(), true
		}
	}
	return "", false
}
