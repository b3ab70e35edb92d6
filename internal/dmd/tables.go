package dmd

import (
	"reflect"
	"sync"

	"github.com/pboyd/detour/internal/rtlayout"
	"github.com/pboyd/detour/internal/symref"
)

// Tables that are filled once and never invalidated. Readers don't lock
// after the first fill.
var (
	symbolTables sync.Map // module ID -> *symbolTable
	shapeTable   sync.Map // reflect.Type -> symref.Ref
)

type symbolTable struct {
	once   sync.Once
	byName map[string]uintptr
}

// symbolsOf maps function names to entry PCs for every function in mod.
func symbolsOf(layout rtlayout.Layout, mod *rtlayout.Module) map[string]uintptr {
	v, _ := symbolTables.LoadOrStore(mod.ID(), &symbolTable{})
	t := v.(*symbolTable)

	t.once.Do(func() {
		t.byName = make(map[string]uintptr)
		for entry := range layout.Funcs(mod) {
			f, ok := layout.FindFunc(entry)
			if !ok {
				continue
			}
			if _, dup := t.byName[f.Name]; !dup {
				t.byName[f.Name] = entry
			}
		}
	})

	return t.byName
}

// Shapes returns the shape references for a list of type arguments, in
// the form used to build a symref.Context for Lookup.
func Shapes(types ...reflect.Type) []symref.Ref {
	out := make([]symref.Ref, len(types))
	for i, t := range types {
		if v, ok := shapeTable.Load(t); ok {
			out[i] = v.(symref.Ref)
			continue
		}
		v, _ := shapeTable.LoadOrStore(t, symref.ShapeOf(t))
		out[i] = v.(symref.Ref)
	}
	return out
}
