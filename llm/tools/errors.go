package tools

import (
	"fmt"

	"github.com/BaSui01/brokerflow/types"
)

// RetryableToolError is returned after a transient failure survived every retry.
type RetryableToolError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *RetryableToolError) Error() string {
	return fmt.Sprintf("tool %s failed after %d attempts: %v", e.Tool, e.Attempts, e.Err)
}

func (e *RetryableToolError) Unwrap() error { return e.Err }

// Code returns the error code.
func (e *RetryableToolError) Code() types.ErrorCode { return types.ErrToolRetryable }

// PermanentToolError is returned for failures that retrying cannot fix.
type PermanentToolError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *PermanentToolError) Error() string {
	return fmt.Sprintf("tool %s failed permanently: %v", e.Tool, e.Err)
}

func (e *PermanentToolError) Unwrap() error { return e.Err }

// Code returns the error code.
func (e *PermanentToolError) Code() types.ErrorCode { return types.ErrToolPermanent }

// LoopDepthExceededError stops a conversation that keeps requesting tools.
type LoopDepthExceededError struct {
	MaxDepth int
}

func (e *LoopDepthExceededError) Error() string {
	return fmt.Sprintf("conversation exceeded max turn depth %d", e.MaxDepth)
}

// Code returns the error code.
func (e *LoopDepthExceededError) Code() types.ErrorCode { return types.ErrLoopDepthExceed }
