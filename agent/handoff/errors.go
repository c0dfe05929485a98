package handoff

import (
	"errors"
	"fmt"

	"github.com/BaSui01/brokerflow/types"
)

var (
	// ErrNotRecipient is returned when an agent other than the proposed
	// recipient tries to accept a handoff.
	ErrNotRecipient = errors.New("handoff: accepting agent is not the recipient")
	// ErrNotFound is returned for unknown handoff ids.
	ErrNotFound = errors.New("handoff: not found")
	// ErrNotOwner is returned when an agent delegates a task it does not own.
	ErrNotOwner = errors.New("handoff: proposer does not own the task")
	// ErrPending is returned when the task already has an open proposal.
	ErrPending = errors.New("handoff: task has an open proposal")
	// ErrAlreadyOwned is returned by Claim when the task already has an owner.
	ErrAlreadyOwned = errors.New("handoff: task already owned")
)

// UnknownAgentError names an agent missing from the registry.
type UnknownAgentError struct {
	AgentID string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent: %s", e.AgentID)
}

func (e *UnknownAgentError) Code() types.ErrorCode { return types.ErrUnknownAgent }

// AlreadyResolvedError is returned when acting on a handoff that has left
// the proposed state.
type AlreadyResolvedError struct {
	HandoffID string
	State     State
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("handoff %s already resolved: %s", e.HandoffID, e.State)
}

func (e *AlreadyResolvedError) Code() types.ErrorCode { return types.ErrAlreadyResolved }
