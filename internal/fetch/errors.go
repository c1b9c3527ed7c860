package fetch

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure.
type Kind string

const (
	UnsupportedHost Kind = "unsupported_host"
	DownloadFailed  Kind = "download_failed"
	EmptyArchive    Kind = "empty_archive"
)

// Error is returned by every failing fetch operation.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the fetch kind carried by err, or "" if err is not a fetch error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func newError(kind Kind, url string, format string, args ...any) *Error {
	return &Error{Kind: kind, URL: url, Err: fmt.Errorf(format, args...)}
}
