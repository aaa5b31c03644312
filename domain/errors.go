package domain

import "errors"

// ErrTaskNotFound indicates the requested task does not exist in the store.
var ErrTaskNotFound = errors.New("task not found")

// ErrConcurrencyConflict indicates that the underlying storage rejected an
// update because a newer version of the entity is already persisted.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ErrSessionClosed indicates an operation on a disconnected session.
var ErrSessionClosed = errors.New("session closed")
