package model

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Error taxonomy shared by the workspace, result store, orchestrator and
// request tracker. Callers wrap these with eris and test with errors.Is.
var (
	// ErrConfiguration aborts a run before any stage executes.
	ErrConfiguration = eris.New("configuration error")
	// ErrFetch is fatal to the run.
	ErrFetch = eris.New("fetch error")
	// ErrPreprocess is fatal to the run.
	ErrPreprocess = eris.New("preprocess error")
	// ErrStage is recorded against a single analysis or publish stage.
	ErrStage = eris.New("stage error")
	// ErrMissingInput means an upstream artifact a stage needs is absent.
	ErrMissingInput = eris.New("missing input artifact")
	// ErrStorage is a failed local write or directory creation.
	ErrStorage = eris.New("storage error")
	// ErrNotFound is a read miss on every backend. It is a valid result.
	ErrNotFound = eris.New("artifact not found")
)

// ErrorKind names the taxonomy class of err for persisted records.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrMissingInput):
		return "missing_input"
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrPreprocess):
		return "preprocess"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "stage"
	}
}

// IsFatal reports whether err ends a run instead of a single stage.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrFetch) ||
		errors.Is(err, ErrPreprocess)
}
