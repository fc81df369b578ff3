package buffer

import "errors"

// ErrRestart is the cooperative retry signal. It is returned whenever an
// optimistic validation fails, the free list is near exhausted or a page load
// raced with another thread. It is not a failure; callers should unwind to the
// top of their traversal, release every guard on the way and try again.
var ErrRestart = errors.New("operation must be restarted")

func IsRestart(err error) bool {
	return errors.Is(err, ErrRestart)
}
