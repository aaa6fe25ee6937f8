package store

import "errors"

// ErrDuplicate is returned when a unique key (such as a username) is taken.
var ErrDuplicate = errors.New("record already exists")
