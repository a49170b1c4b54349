package storage

import "errors"

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("not found")
