package dmd

import (
	"errors"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/pboyd/detour/internal/config"
	"github.com/pboyd/detour/internal/logging"
	"github.com/pboyd/detour/internal/rtlayout"
	"github.com/pboyd/detour/internal/symref"
)

// Functions whose code is supplied by the runtime on behalf of another
// function. Reflection hands out their PCs for MakeFunc results and method
// values.
var runtimeStubs = map[string]bool{
	"reflect.makeFuncStub":    true,
	"reflect.methodValueCall": true,
}

// Source is a function body ready to be loaded.
type Source struct {
	Func rtlayout.Func

	// Symbol is the parsed name. It's the zero Func when the name isn't a
	// Go symbol the parser understands.
	Symbol symref.Func

	// Type is the function's type when the source came from a func value.
	Type reflect.Type

	// Code is a private copy of the machine code.
	Code []byte

	// FromDisk is set when Code was read from the executable.
	FromDisk bool

	Frame Frame
}

// Frame is the part of the runtime's function record that describes the
// function's frame.
type Frame struct {
	ArgsSize int32
	FuncID   uint8
	Flag     uint8

	// DeferReturn is the offset of the deferreturn call, or zero.
	DeferReturn uint32
}

// Context returns the generic context of the source's symbol.
func (s *Source) Context() *symref.Context {
	return s.Symbol.Context()
}

// SourceOf returns the source of the function value fn. A nil cfg uses the
// defaults.
func SourceOf(fn any, cfg *config.Config) (*Source, error) {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return nil, fmt.Errorf("not a function, kind: %v", fnv.Kind())
	}
	if fnv.IsNil() {
		return nil, fmt.Errorf("%w: nil %v", ErrBodylessMethod, fnv.Type())
	}

	return sourceAt(fnv.Pointer(), fnv.Type(), cfg)
}

// Lookup returns the source of a function by symbol. Generic parameters in
// def are bound from ctx first, so a definition can be looked up for a
// particular set of shapes.
func Lookup(def symref.Func, ctx *symref.Context, cfg *config.Config) (*Source, error) {
	layout, err := rtlayout.Current()
	if err != nil {
		return nil, err
	}

	ref, err := symref.Relinker{}.Relink(def, ctx)
	if err != nil {
		return nil, err
	}
	name := ref.(symref.Func).String()

	entry, ok := symbolsOf(layout, layout.MainModule())[name]
	if !ok {
		return nil, &symref.TargetNotFoundError{Ref: def, Context: ctx, Err: fmt.Errorf("no function named %s", name)}
	}
	return sourceAt(entry, nil, cfg)
}

func sourceAt(pc uintptr, typ reflect.Type, cfg *config.Config) (*Source, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	layout, err := rtlayout.Current()
	if err != nil {
		return nil, err
	}

	f, ok := layout.FindFunc(pc)
	if !ok {
		return nil, fmt.Errorf("%w: %#x is not in any module", ErrBodylessMethod, pc)
	}
	if f.Size <= 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrBodylessMethod, f.Name)
	}
	if runtimeStubs[f.Name] {
		return nil, fmt.Errorf("%w: %s is provided by the runtime", ErrBodylessMethod, f.Name)
	}

	src := &Source{
		Func: f,
		Type: typ,
		Frame: Frame{
			ArgsSize:    f.Args,
			FuncID:      f.FuncID,
			Flag:        f.Flag,
			DeferReturn: f.DeferReturn,
		},
	}

	if sym, err := symref.Parse(f.Name); err == nil {
		src.Symbol = sym
	}

	if cfg.PreferRuntimeCopy {
		src.Code = memoryCopy(f)
		return src, nil
	}

	if f.Module.ID() != layout.MainModule().ID() {
		return nil, fmt.Errorf("%w: %s: only the main executable can be read from disk", ErrModuleRead, f.Name)
	}

	src.Code, err = readFromDisk(f)
	if err != nil {
		return nil, err
	}
	src.FromDisk = true
	return src, nil
}

func memoryCopy(f rtlayout.Func) []byte {
	code := unsafe.Slice((*byte)(unsafe.Pointer(f.Entry)), f.Size)
	return append([]byte(nil), code...)
}

func readFromDisk(f rtlayout.Func) ([]byte, error) {
	img, err := executable()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModuleRead, err)
	}

	code, symErr := img.readBySymbol(f)
	if symErr == nil {
		return code, nil
	}

	logging.Logger("dmd").Debug("symbol read failed, retrying without symbols", "func", f.Name, "err", symErr)

	code, err = img.readBySection(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModuleRead, f.Name, errors.Join(symErr, err))
	}
	return code, nil
}
