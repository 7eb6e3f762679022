package models

import "errors"

// Error taxonomy shared by all layers. Callers classify failures with
// errors.Is; the HTTP layer maps each class to a status code in one place.
var (
	// ErrNotFound means the referenced incident or request does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the action is illegal in the current state or
	// the caller does not own the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict means a duplicate in-progress request, a vote on a
	// resolved request, or an invalid state transition.
	ErrConflict = errors.New("conflict")
	// ErrValidation means malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrTransient means a transcode or storage failure; the whole chunk
	// submission is safe to retry.
	ErrTransient = errors.New("transient failure")
)
