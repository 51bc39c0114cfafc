package files

import (
	"errors"
	"net/http"
	"os"

	"github.com/hoardfs/hoard/internal/pathsafe"
)

// Kind classifies a file-operation failure. Every kind has a fixed HTTP
// status so handlers never guess.
type Kind int

const (
	// KindAccessDenied means the path escapes the root.
	KindAccessDenied Kind = iota + 1
	// KindNotFound means the file or directory does not exist.
	KindNotFound
	// KindNotAFile means the target exists but is not a regular file.
	KindNotAFile
	// KindNotADirectory means the target exists but is not a directory.
	KindNotADirectory
	// KindBadName means a client-supplied name is empty or contains
	// separators or traversal tokens.
	KindBadName
	// KindConflict means the destination already exists.
	KindConflict
	// KindTooLarge means an upload exceeded the configured cap.
	KindTooLarge
	// KindInternal means an unexpected I/O failure.
	KindInternal
)

// HTTPStatus maps a kind to its response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindNotAFile, KindNotADirectory, KindBadName:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified file-operation failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// classify converts low-level errors into taxonomy errors. Confinement
// denials and missing files keep their distinct kinds; everything else is
// internal.
func classify(err error, context string) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, pathsafe.ErrEscapesRoot) {
		return newError(KindAccessDenied, "access denied")
	}
	if os.IsNotExist(err) {
		return newError(KindNotFound, context+" not found")
	}
	if os.IsExist(err) {
		return newError(KindConflict, context+" already exists")
	}
	return newError(KindInternal, context+": "+err.Error())
}
