package model

import "errors"

// Storage error taxonomy. Both store backends classify their driver errors
// into these sentinels so the HTTP boundary can map them to a status without
// knowing which physical store served the request.
var (
	ErrNotFound         = errors.New("student not found")
	ErrDuplicate        = errors.New("duplicate username, email, or student id")
	ErrStoreUnavailable = errors.New("store unavailable")
)
