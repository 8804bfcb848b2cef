package stmtcache

import (
	"errors"
	"fmt"
)

// InvalidSizeError is returned when a cache is constructed with a
// non-positive maximum size. A pool that wants caching disabled should not
// construct a cache at all and prepare uncached statements directly.
type InvalidSizeError struct {
	Size int // The rejected maximum size
}

func (err *InvalidSizeError) Error() string {
	return fmt.Sprintf("stmtcache: invalid max size %d, must be > 0", err.Size)
}

// ErrNoCloseFunc is returned when a cache is constructed without a close
// callback. The cache owns every handle it adopts and cannot dispose of one
// without it.
var ErrNoCloseFunc = errors.New("stmtcache: close callback is required")
