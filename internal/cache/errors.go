package cache

import "errors"

// ErrNotFound is returned when a key is absent from the cache
var ErrNotFound = errors.New("cache: key not found")
