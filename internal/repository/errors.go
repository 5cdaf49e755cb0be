package repository

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	agent, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repository.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example creating a saved command whose name already exists.
var ErrConflict = errors.New("record already exists")

// ErrProtected is returned when a delete targets a system-owned record, such
// as a built-in saved command template.
var ErrProtected = errors.New("record is protected")
