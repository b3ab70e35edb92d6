package dmd

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/pboyd/detour/internal/config"
)

// Generated is a relocated function ready to be called.
type Generated struct {
	// Name is the symbol of the source function.
	Name string

	Entry   uintptr
	Code    []byte
	Backend config.Generator

	// Type is the type of the source function, if known.
	Type reflect.Type

	Regions []Region

	// funcval is what a func value points at: a word holding the entry.
	funcval uintptr

	free func() error
}

func newGenerated(m *Method, backend config.Generator, code []byte, free func() error) *Generated {
	g := &Generated{
		Name:    m.src.Func.Name,
		Entry:   addrOf(code),
		Code:    code,
		Backend: backend,
		Type:    m.src.Type,
		Regions: m.regions,
		free:    free,
	}
	g.funcval = g.Entry
	return g
}

// FuncPointer returns the pointer a func value calling the generated code
// would hold.
func (g *Generated) FuncPointer() unsafe.Pointer {
	return unsafe.Pointer(&g.funcval)
}

// As converts g into a func value of type T. The value keeps g alive.
//
// The copy runs without the closure context of the source function, so T
// must not be a closure that captures variables.
func As[T any](g *Generated) (T, error) {
	var fn T

	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func {
		return fn, fmt.Errorf("not a function type: %v", t)
	}
	if g.Type != nil && g.Type != t {
		return fn, fmt.Errorf("generated %s has type %v, not %v", g.Name, g.Type, t)
	}

	fv := g.FuncPointer()
	fn = *(*T)(unsafe.Pointer(&fv))
	return fn, nil
}

func (g *Generated) release() error {
	if g.free == nil {
		return nil
	}
	err := g.free()
	g.free = nil
	g.funcval = 0
	return err
}
