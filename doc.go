// Package detour layers hooks over Go functions at runtime.
//
// A hook wraps a target function. Every call to the target goes through the
// applied hooks, outermost first, and each hook decides whether and how to
// call the next layer inward. The innermost layer is a relocated copy of
// the target's original code, so hooks keep working while the target's own
// entry is patched.
//
//	h, err := detour.New(time.Now, func(next func() time.Time) func() time.Time {
//		return func() time.Time {
//			return next().Add(time.Hour)
//		}
//	})
//	...
//	defer h.Close()
//
// Hooks on the same target are ordered by priority, then sub-priority,
// then registration (newest outermost). Before and After constrain a hook
// relative to the IDs of others.
//
// Func, Method and Restore replace a function outright, and Original
// returns the original behavior of a hooked or redefined function.
//
// Limitations:
//   - Supports amd64 and arm64 on Unix, Linux and Windows
//   - Relies on internal Go APIs that can break at any time
//   - Silently fails to affect call sites where the target was inlined
//   - Targets must be top-level functions or method expressions
//   - The original copy has no runtime metadata, so a panic or stack
//     trace passing through it can't be unwound
package detour
