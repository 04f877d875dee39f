package store

import "errors"

var (
	// ErrDuplicateID is returned when inserting a job or prediction whose
	// id already exists.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrAlreadyVerified is returned when a prediction has already been
	// scored. Expected under concurrent verification workers.
	ErrAlreadyVerified = errors.New("prediction already verified")

	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")
)
