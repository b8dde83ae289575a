// Package fault classifies engine errors into a small set of kinds.
//
// Collaborators return a *Error carrying an explicit Kind; callers discriminate
// with KindOf, which walks the wrap chain with errors.As. Message text is never
// inspected.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind int

const (
	Unknown     Kind = iota
	Validation       // recoverable, re-prompt with bounded retries
	Duplicate        // identity or field already registered; not retryable
	Timeout          // session expired; requires restart
	Database         // transient store failure; task preserved
	UnknownStep      // step pointer outside the flow; roll back
	Finalize         // terminal side effect failed; task stopped
	Conflict         // concurrent write or running-task slot taken
	NotFound         // referenced record does not exist
	Config           // missing flow definition or bad configuration
)

var kindNames = map[Kind]string{
	Unknown:     "unknown",
	Validation:  "validation",
	Duplicate:   "duplicate",
	Timeout:     "timeout",
	Database:    "database",
	UnknownStep: "unknown_step",
	Finalize:    "finalize",
	Conflict:    "conflict",
	NotFound:    "not_found",
	Config:      "config",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error. Op names the operation that failed
// (e.g. "task.update").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// User-safe texts. Raw error detail never reaches the end user.
const (
	MsgTryAgain      = "Something went wrong on our side. Please send your last message again in a moment."
	MsgExpired       = "This session has expired. Send \"menu\" to start again."
	MsgNotCompleted  = "We couldn't complete this request, and nothing was saved. Please start again from the menu."
	MsgAlreadyExists = "You're already registered with these details."
	MsgUnavailable   = "This option isn't available right now. Send \"menu\" to see what you can do."
	MsgNotFound      = "We couldn't find that. Send \"menu\" to see what you can do."
)

// UserMessage maps a failure to one of the fixed user-safe messages.
func UserMessage(err error) string {
	switch KindOf(err) {
	case Timeout:
		return MsgExpired
	case Finalize:
		return MsgNotCompleted
	case Duplicate:
		return MsgAlreadyExists
	case Config:
		return MsgUnavailable
	case NotFound:
		return MsgNotFound
	default:
		return MsgTryAgain
	}
}
