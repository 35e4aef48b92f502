package manager

import (
	"errors"

	"localinfer/internal/hf"
	"localinfer/internal/registry"
	"localinfer/internal/worker"
)

// ErrNoModelLoaded is returned by GetLanguageModel when nothing is loaded.
var ErrNoModelLoaded = errors.New("no model loaded")

// modelNotFoundError is returned when an id resolves to nothing locally and
// cannot be pulled.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound constructs a modelNotFoundError.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether err indicates a missing model, locally or
// on the hub.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e) || errors.Is(err, registry.ErrNotFound) || errors.Is(err, hf.ErrNotFound)
}

// modelMismatchError is returned when a caller asks for a model other than
// the one loaded.
type modelMismatchError struct{ requested, loaded string }

func (e modelMismatchError) Error() string {
	return "model " + e.requested + " is not loaded (loaded: " + e.loaded + ")"
}

// IsModelMismatch reports whether err came from asking for a model that is
// not the loaded one.
func IsModelMismatch(err error) bool {
	var e modelMismatchError
	return errors.As(err, &e)
}

// IsNoModelLoaded reports whether err means nothing is loaded.
func IsNoModelLoaded(err error) bool { return errors.Is(err, ErrNoModelLoaded) }

// dependencyUnavailableError signals that the local environment cannot serve
// models (no interpreter, no engine package, no server binary) so the HTTP
// layer can return 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

// IsTooBusy reports whether err indicates generation backpressure (429).
func IsTooBusy(err error) bool { return errors.Is(err, worker.ErrBusy) }
