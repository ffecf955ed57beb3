package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pkg/sftp"

	"github.com/yourusername/hostbackup/internal/transport"
)

// Kind is the failure category of a recorded run error.
type Kind int

const (
	KindUnclassified Kind = iota
	KindMissingRemote
	KindTransport
	KindLocalFS
)

func (k Kind) String() string {
	switch k {
	case KindMissingRemote:
		return "MissingRemoteError"
	case KindTransport:
		return "TransportError"
	case KindLocalFS:
		return "LocalFSError"
	default:
		return "UnclassifiedError"
	}
}

// Stage names the workflow step an error was recorded in
type Stage string

const (
	StageArchive  Stage = "archive"
	StageCreate   Stage = "create"
	StagePopulate Stage = "populate"
	StageMirror   Stage = "mirror"
	StagePrune    Stage = "prune"
)

// ErrDestinationExists is returned when a tree copy target is already present.
var ErrDestinationExists = errors.New("destination already exists")

// Error is one entry in a run's error list.
type Error struct {
	Kind    Kind
	Stage   Stage
	Subject string
	Op      string
	Code    int
	Err     error
}

// Error renders "<subject> <op> failed with code <code>" when a command
// exited non-zero and "<Kind>: <detail>" otherwise.
func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s failed with code %d", e.Subject, e.Op, e.Code)
	}

	detail := ""
	if e.Err != nil {
		detail = e.Err.Error()
	}
	if e.Subject != "" && detail == "" {
		detail = e.Subject
	}
	return fmt.Sprintf("%s: %s", e.Kind, detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, stage Stage, subject string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Subject: subject, Err: err}
}

// Classify converts err into a run error for stage. Errors that are already
// run errors are returned unchanged.
func Classify(stage Stage, subject string, err error) *Error {
	if err == nil {
		return nil
	}

	var runErr *Error
	if errors.As(err, &runErr) {
		return runErr
	}

	classified := &Error{Kind: KindUnclassified, Stage: stage, Subject: subject, Err: err}

	var exitErr *transport.ExitError
	if errors.As(err, &exitErr) {
		classified.Subject = exitErr.Subject
		classified.Op = exitErr.Op
		classified.Code = exitErr.Code
	}

	var statusErr *sftp.StatusError
	var pathErr *fs.PathError
	var linkErr *os.LinkError

	switch {
	case errors.Is(err, transport.ErrRemoteNotFound):
		classified.Kind = KindMissingRemote
	case errors.Is(err, transport.ErrLocalWrite), errors.Is(err, ErrDestinationExists):
		classified.Kind = KindLocalFS
	case errors.Is(err, transport.ErrConnect), errors.Is(err, transport.ErrTransfer):
		classified.Kind = KindTransport
	case exitErr != nil, errors.As(err, &statusErr):
		classified.Kind = KindTransport
	case errors.As(err, &pathErr), errors.As(err, &linkErr):
		classified.Kind = KindLocalFS
	}

	return classified
}

// flatten splits a joined error into its parts.
func flatten(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, inner := range joined.Unwrap() {
			out = append(out, flatten(inner)...)
		}
		return out
	}
	return []error{err}
}
