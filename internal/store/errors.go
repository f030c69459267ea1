package store

import "errors"

// ErrNotConnected is returned when an operation is attempted against a
// closed or unreachable database. Fatal to the allocator instance.
var ErrNotConnected = errors.New("store not connected")

// ErrNoEligibleResource is returned when no resource of a kind currently
// matches the claim filter. Recoverable: callers back off or relax filters.
var ErrNoEligibleResource = errors.New("no eligible resource")

// ErrClaimConflict is returned when a claim insert loses a race with another
// allocator process for the same row.
var ErrClaimConflict = errors.New("claim conflict")

// ErrNotFound is returned when a requested resource id does not exist.
var ErrNotFound = errors.New("not found")
