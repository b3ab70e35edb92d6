package detour

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
)

// redefineID is the ID of hooks installed by Func and Method.
const redefineID = "redefine"

var redefined = struct {
	mu      sync.Mutex
	handles map[uintptr]*handle
}{
	handles: make(map[uintptr]*handle),
}

// Func redefines fn with newFn. An error will be returned if fn or newFn are
// not function pointers or if their signatures do not match.
//
// The redefinition sits innermost in fn's chain, so hooks created with New
// still run around it. Redefining fn again replaces the previous
// redefinition.
//
// Note that if fn has been inlined this will silently fail. If possible, add a
// noinline directive to work-around this problem:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
func Func(fn, newFn any) error {
	fnv, newFnv, err := funcValues(fn, newFn)
	if err != nil {
		return err
	}
	if err := checkSignatures(fnv.Type(), newFnv.Type(), 0); err != nil {
		return err
	}
	return redefine(fnv, newFnv)
}

// Method redefines the method fn with newFn. Both are method expressions,
// and the receivers may differ, for example:
//
//	detour.Method((*net.Resolver).LookupHost, (*myResolver).LookupHost)
//
// The receivers must have the same size and shape, since newFn is called
// with fn's receiver.
func Method(fn, newFn any) error {
	fnv, newFnv, err := funcValues(fn, newFn)
	if err != nil {
		return err
	}

	ft, nt := fnv.Type(), newFnv.Type()
	if ft.NumIn() == 0 || nt.NumIn() == 0 {
		return errors.New("not a method expression: no receiver argument")
	}
	if ft.In(0).Size() != nt.In(0).Size() {
		return fmt.Errorf("receiver %v is not the same size as %v", nt.In(0), ft.In(0))
	}
	if err := checkSignatures(ft, nt, 1); err != nil {
		return err
	}
	return redefine(fnv, newFnv)
}

// Restore undoes Func or Method.
func Restore(fn any) error {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return fmt.Errorf("not a function, kind: %v", fnv.Kind())
	}

	redefined.mu.Lock()
	defer redefined.mu.Unlock()

	h, ok := redefined.handles[fnv.Pointer()]
	if !ok {
		return fmt.Errorf("%v has not been redefined", fnv.Type())
	}
	if err := h.Close(); err != nil {
		return err
	}
	delete(redefined.handles, fnv.Pointer())
	return nil
}

func funcValues(fn, newFn any) (fnv, newFnv reflect.Value, err error) {
	fnv = reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return fnv, newFnv, fmt.Errorf("not a function, kind: %v", fnv.Kind())
	}
	newFnv = reflect.ValueOf(newFn)
	if newFnv.Kind() != reflect.Func {
		return fnv, newFnv, fmt.Errorf("not a function, kind: %v", newFnv.Kind())
	}
	if fnv.IsNil() || newFnv.IsNil() {
		return fnv, newFnv, errors.New("nil function")
	}
	return fnv, newFnv, nil
}

func redefine(fnv, newFnv reflect.Value) error {
	o := options{
		id:          redefineID,
		subPriority: math.MinInt,
	}
	h, err := newHandle(fnv, &o, false)
	if err != nil {
		return err
	}
	h.setImpl(newFnv.Interface())

	return replaceRedefinition(fnv.Pointer(), h)
}

// replaceRedefinition applies h and then closes whatever it replaces, so a
// failed apply leaves the previous redefinition in place.
func replaceRedefinition(pc uintptr, h *handle) error {
	redefined.mu.Lock()
	defer redefined.mu.Unlock()

	if err := h.Apply(); err != nil {
		h.Close()
		return err
	}

	old, ok := redefined.handles[pc]
	redefined.handles[pc] = h
	if ok {
		return old.Close()
	}
	return nil
}
