// Package rtlayout reads the Go runtime's function tables.
//
// The runtime does not export the records that describe where a function
// starts and ends, so this package mirrors them. The mirrors are only valid
// for some Go releases; Current probes the running version and refuses to
// hand out a Layout for anything else.
package rtlayout

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	_ "unsafe"

	"github.com/hashicorp/go-version"
)

// ErrUnsupportedRuntime is returned by Current when the running Go release
// has no known layout.
var ErrUnsupportedRuntime = errors.New("unsupported Go runtime version")

// Layout describes the runtime's function tables for one range of Go
// releases.
type Layout interface {
	// Name identifies the layout, e.g. "go1.21+".
	Name() string

	// FindFunc returns the function that contains pc.
	FindFunc(pc uintptr) (Func, bool)

	// MainModule returns the module of the main executable.
	MainModule() *Module

	// Funcs iterates over the entry PCs of every function in m.
	Funcs(m *Module) iter.Seq[uintptr]
}

// Module is one loaded image (the executable or a plugin).
type Module struct {
	md *moduledata
}

// ID is stable for the lifetime of the process.
func (m *Module) ID() uintptr {
	if m == nil {
		return 0
	}
	return uintptrOf(m.md)
}

// Text returns the bounds of the module's text segment.
func (m *Module) Text() (start, end uintptr) {
	return m.md.text, m.md.etext
}

// Func is what the runtime knows about one function.
type Func struct {
	Entry  uintptr
	Size   int
	Name   string
	Module *Module

	Args        int32
	DeferReturn uint32
	FuncID      uint8
	Flag        uint8
}

var layouts = []struct {
	constraint string
	layout     Layout
}{
	{">= 1.21", layout121{}},
}

var (
	currentOnce   sync.Once
	currentLayout Layout
	currentErr    error
)

// Current returns the layout for the running Go release.
func Current() (Layout, error) {
	currentOnce.Do(func() {
		currentLayout, currentErr = ForVersion(runtime.Version())
	})
	return currentLayout, currentErr
}

// ForVersion returns the layout for a runtime.Version() string.
func ForVersion(goVersion string) (Layout, error) {
	v, err := parseGoVersion(goVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedRuntime, goVersion, err)
	}

	// Development builds are assumed to match the newest layout.
	if v == nil {
		return layouts[len(layouts)-1].layout, nil
	}

	for _, l := range layouts {
		c, err := version.NewConstraint(l.constraint)
		if err != nil {
			return nil, err
		}
		if c.Check(v.Core()) {
			return l.layout, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedRuntime, goVersion)
}

func parseGoVersion(s string) (*version.Version, error) {
	if strings.HasPrefix(s, "devel ") {
		return nil, nil
	}

	s = strings.TrimPrefix(s, "go")

	// Strip experiment suffixes, "1.22.1 X:rangefunc".
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}

	return version.NewVersion(s)
}

// layout121 reads the tables as laid out since Go 1.21.
type layout121 struct{}

func (layout121) Name() string { return "go1.21+" }

func (layout121) FindFunc(pc uintptr) (Func, bool) {
	info := findfunc(pc)
	if info._func == nil || info.datap == nil {
		return Func{}, false
	}

	md := info.datap
	entry := md.text + uintptr(info.entryOff)

	return Func{
		Entry:       entry,
		Size:        funcSize(md, info.entryOff),
		Name:        funcName(md, info.nameOff),
		Module:      &Module{md: md},
		Args:        info.args,
		DeferReturn: info.deferreturn,
		FuncID:      info.funcID,
		Flag:        info.flag,
	}, true
}

func (l layout121) MainModule() *Module {
	f, _ := l.FindFunc(reflect.ValueOf(Current).Pointer())
	return f.Module
}

func (layout121) Funcs(m *Module) iter.Seq[uintptr] {
	return func(yield func(uintptr) bool) {
		ftab := m.md.ftab
		// Skip the trailing sentinel.
		for i := 0; i < len(ftab)-1; i++ {
			if !yield(m.md.text + uintptr(ftab[i].entryoff)) {
				return
			}
		}
	}
}

// funcSize finds the distance to the next function in the table. Padding
// between functions is included.
func funcSize(md *moduledata, entryOff uint32) int {
	ftab := md.ftab
	i := sort.Search(len(ftab), func(i int) bool {
		return ftab[i].entryoff > entryOff
	})
	if i < len(ftab) {
		return int(ftab[i].entryoff - entryOff)
	}
	return int(md.etext - (md.text + uintptr(entryOff)))
}

// funcName reads the linker's name for a function. runtime.FuncForPC
// prints generic instantiations as "F[...]", which loses the shapes.
func funcName(md *moduledata, nameOff int32) string {
	if nameOff < 0 || int(nameOff) >= len(md.funcnametab) {
		return ""
	}
	name := md.funcnametab[nameOff:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo
