// Package status defines the error taxonomy shared across the client: a
// small typed Code plus a Status value that wraps the underlying cause with
// github.com/pkg/errors so stack traces survive across the cache, registry
// and batcher boundaries.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code categorizes a Status into one of the client's error kinds.
type Code int

const (
	// OK indicates success. Zero value so a zero Status is "no error".
	OK Code = iota
	// InvalidArgument covers misused builders, malformed ops, or a flush
	// mode change attempted with pending work.
	InvalidArgument
	// NotFound covers a missing table or an unowned key range.
	NotFound
	// AlreadyPresent covers a duplicate primary key on Insert.
	AlreadyPresent
	// NotLeader is retryable: the contacted replica is no longer leader.
	NotLeader
	// TabletMoved is retryable: the tablet's ownership has changed.
	TabletMoved
	// TimedOut means the operation's time budget was exhausted.
	TimedOut
	// ServiceUnavailable means no replica could be reached.
	ServiceUnavailable
	// IllegalState covers Close with pending work or Apply on a closed
	// Session.
	IllegalState
	// Aborted means session closure discarded the operation.
	Aborted
	// Incomplete means Manual mode's buffer was exceeded.
	Incomplete
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case AlreadyPresent:
		return "AlreadyPresent"
	case NotLeader:
		return "NotLeader"
	case TabletMoved:
		return "TabletMoved"
	case TimedOut:
		return "TimedOut"
	case ServiceUnavailable:
		return "ServiceUnavailable"
	case IllegalState:
		return "IllegalState"
	case Aborted:
		return "Aborted"
	case Incomplete:
		return "Incomplete"
	default:
		return "Unknown"
	}
}

// Status is an immutable (code, message, cause) triple. The zero Status is
// OK. Status implements error so it can be returned directly from public
// entry points.
type Status struct {
	code    Code
	message string
	cause   error
}

// New builds a Status with a formatted message and no wrapped cause.
func New(code Code, format string, args ...interface{}) Status {
	return Status{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Status around an existing error, preserving its stack trace
// via github.com/pkg/errors.
func Wrap(code Code, err error, format string, args ...interface{}) Status {
	if err == nil {
		return New(code, format, args...)
	}
	return Status{code: code, message: fmt.Sprintf(format, args...), cause: errors.WithStack(err)}
}

// OKStatus is the canonical success value.
var OKStatus = Status{code: OK}

// IsOK reports whether s represents success.
func (s Status) IsOK() bool { return s.code == OK }

// Code returns the status's category.
func (s Status) Code() Code { return s.code }

// Retryable reports whether the Batcher should retry an operation that
// failed with this status.
func (s Status) Retryable() bool {
	switch s.code {
	case NotLeader, TabletMoved, ServiceUnavailable:
		return true
	default:
		return false
	}
}

func (s Status) Error() string {
	if s.code == OK {
		return "OK"
	}
	if s.cause != nil {
		return fmt.Sprintf("%s: %s: %v", s.code, s.message, s.cause)
	}
	return fmt.Sprintf("%s: %s", s.code, s.message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (s Status) Unwrap() error { return s.cause }

// FromError coerces any error into a Status, defaulting unknown causes to
// ServiceUnavailable since they most often originate below the RPC boundary.
func FromError(err error) Status {
	if err == nil {
		return OKStatus
	}
	if s, ok := err.(Status); ok {
		return s
	}
	return Wrap(ServiceUnavailable, err, "unclassified error")
}
