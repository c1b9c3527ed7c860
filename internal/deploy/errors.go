package deploy

import (
	"errors"
	"fmt"
)

// Kind classifies a lifecycle failure. Callers translate kinds, not
// messages, into their own response shapes.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindAlreadyExists Kind = "already_exists"
	KindFetch         Kind = "fetch"
	KindPersistence   Kind = "persistence"
	KindBusy          Kind = "busy"
	KindInternal      Kind = "internal"
)

// Error is the structured error returned by every Orchestrator operation.
type Error struct {
	Kind    Kind
	Project string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Project != "" {
		msg = e.Project + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf returns the kind carried by err. Errors that did not come from the
// orchestrator are KindInternal; nil is "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func newError(kind Kind, project string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Project: project, Message: fmt.Sprintf(format, args...), Cause: cause}
}
