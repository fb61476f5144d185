package domain

import "errors"

// ErrChangeNotFound is returned when no journal entry exists for a change id.
var ErrChangeNotFound = errors.New("change not found")

// ErrInvalidDrop is returned for drop events without a task id.
var ErrInvalidDrop = errors.New("invalid drop event")
