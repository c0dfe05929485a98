package tools

import (
	"context"
	"errors"
	"net"
	"regexp"
	"syscall"

	"github.com/BaSui01/brokerflow/types"
)

// ErrorClass is the retry classification of a tool failure.
type ErrorClass int

const (
	ClassPermanent ErrorClass = iota
	ClassRetryable
)

func (c ErrorClass) String() string {
	if c == ClassRetryable {
		return "retryable"
	}
	return "permanent"
}

var permanentCodes = map[types.ErrorCode]bool{
	types.ErrToolValidation: true,
	types.ErrToolNotFound:   true,
	types.ErrToolPermanent:  true,
	types.ErrUnauthorized:   true,
	types.ErrNotFound:       true,
	types.ErrInvalidRequest: true,
}

var retryableCodes = map[types.ErrorCode]bool{
	types.ErrToolRetryable: true,
	types.ErrTimeout:       true,
	types.ErrUnavailable:   true,
	types.ErrConnection:    true,
	types.ErrRateLimited:   true,
}

// retryableHints match untyped transport failures by whole phrase; they are
// consulted only after the typed and net/syscall checks.
var retryableHints = regexp.MustCompile(`(?i)` +
	`\bconnection (refused|reset)\b` +
	`|\bno such host\b` +
	`|\bserver misbehaving\b` +
	`|\bi/o timeout\b` +
	`|\b(request|operation|connection|dial|read|write|handshake) timed out\b` +
	`|\b(status|http)( code)?:? ?(502|503|504)\b` +
	`|\bservice (temporarily )?unavailable\b`)

// Classify decides whether a tool failure is worth retrying. Typed errors win
// over net/syscall errors, which win over message hints. Anything unrecognised
// is permanent.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}

	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	var permanent *PermanentToolError
	if errors.As(err, &permanent) {
		return ClassPermanent
	}
	var retryable *RetryableToolError
	if errors.As(err, &retryable) {
		return ClassRetryable
	}

	if e, ok := types.AsError(err); ok {
		switch {
		case permanentCodes[e.Code]:
			return ClassPermanent
		case retryableCodes[e.Code], e.Retryable:
			return ClassRetryable
		}
		// 已分类的错误不再按消息文本猜测
		if !hasTransportCause(err) {
			return ClassPermanent
		}
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return ClassRetryable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}

	if retryableHints.MatchString(err.Error()) {
		return ClassRetryable
	}
	return ClassPermanent
}

// hasTransportCause reports whether a net or syscall error sits under err.
func hasTransportCause(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}

// IsRetryable reports whether Classify considers err transient.
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}
