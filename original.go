package detour

import (
	"reflect"

	"github.com/pboyd/detour/internal/dmd"
)

// Original returns a function with the same behavior as the original version
// of the function. If the function has not been redefined or hooked the
// passed function is returned.
//
// If the original function cannot be found for any reason Original returns nil.
//
// Technically, this returns a copy of the original that's been relocated and
// had relative addresses adjusted. This process may introduce problems.
func Original[T any](fn T) T {
	var zero T

	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func || fnv.IsNil() {
		return zero
	}

	orig := fn
	peekChain(fnv.Pointer(), func(c *chain) {
		if c.patch == nil {
			return
		}
		if c.orig == nil {
			orig = zero
			return
		}
		var err error
		orig, err = dmd.As[T](c.orig.gen)
		if err != nil {
			log.Debug("no original", "err", err)
			orig = zero
		}
	})
	return orig
}
