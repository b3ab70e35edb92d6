// Package symref models references to functions, types and data the way
// the Go linker names them, and relinks them from one generic context to
// another.
//
// A generic function body is compiled once per shape ("go.shape.int",
// "go.shape.*uint8"). The symbols a shape instantiation calls carry the
// same shapes in their names, so moving a body to another instantiation
// means rewriting those names: generalize them to positional parameters,
// then relink the parameters against the new context.
package symref

import (
	"fmt"
	"strconv"
	"strings"
)

// Ref is a reference to a function, type or address.
type Ref interface {
	String() string
	isRef()
}

// Named is a defined or predeclared type, with type arguments when it's
// an instance of a generic type.
type Named struct {
	Pkg  string // empty for predeclared types
	Name string
	Args []Ref
}

// Pointer is *Elem.
type Pointer struct {
	Elem Ref
}

// Slice is []Elem.
type Slice struct {
	Elem Ref
}

// Array is [Len]Elem.
type Array struct {
	Len  int
	Elem Ref
}

// Map is map[Key]Elem.
type Map struct {
	Key, Elem Ref
}

// ChanDir is the direction of a channel type.
type ChanDir uint8

const (
	BothDir ChanDir = iota
	SendDir
	RecvDir
)

// Chan is a channel type.
type Chan struct {
	Dir  ChanDir
	Elem Ref
}

// Signature is a function type.
type Signature struct {
	Params  []Ref
	Results []Ref
}

// Shape is the compiler's stand-in for every type argument with the same
// underlying type. It prints as "go.shape." followed by the underlying
// type.
type Shape struct {
	Elem Ref
}

// Literal is a type that is kept as text, such as a struct or interface
// literal.
type Literal struct {
	Text string
}

// Owner says which parameter list a Param belongs to.
type Owner uint8

const (
	OwnerFunc Owner = iota
	OwnerType
)

// Param is a generic parameter identified by position. It prints as "!!N"
// for function parameters and "!N" for receiver type parameters.
type Param struct {
	Owner Owner
	Index int
}

// Func is a function symbol.
type Func struct {
	Pkg string

	// Recv is the receiver type of a method: a Named or a Pointer to one.
	Recv Ref

	Name string
	Args []Ref

	// Closure is the suffix of a function literal inside a generic
	// function, "func1" in "pkg.F[go.shape.int].func1".
	Closure string
}

// Addr is an address without a usable symbol, or with a symbol that is
// kept as is.
type Addr struct {
	Addr uintptr
	Sym  string
}

func (Named) isRef()     {}
func (Pointer) isRef()   {}
func (Slice) isRef()     {}
func (Array) isRef()     {}
func (Map) isRef()       {}
func (Chan) isRef()      {}
func (Signature) isRef() {}
func (Shape) isRef()     {}
func (Literal) isRef()   {}
func (Param) isRef()     {}
func (Func) isRef()      {}
func (Addr) isRef()      {}

const shapePrefix = "go.shape."

func (n Named) String() string {
	if n.Pkg == "" {
		return n.local()
	}
	return n.Pkg + "." + n.local()
}

// local is the name without the package.
func (n Named) local() string {
	return n.Name + argList(n.Args)
}

func (p Pointer) String() string { return "*" + p.Elem.String() }
func (s Slice) String() string   { return "[]" + s.Elem.String() }
func (a Array) String() string   { return "[" + strconv.Itoa(a.Len) + "]" + a.Elem.String() }
func (m Map) String() string     { return "map[" + m.Key.String() + "]" + m.Elem.String() }
func (s Shape) String() string   { return shapePrefix + s.Elem.String() }
func (l Literal) String() string { return l.Text }

func (c Chan) String() string {
	switch c.Dir {
	case SendDir:
		return "chan<- " + c.Elem.String()
	case RecvDir:
		return "<-chan " + c.Elem.String()
	}
	return "chan " + c.Elem.String()
}

func (s Signature) String() string {
	str := "func(" + join(s.Params, ", ") + ")"
	switch len(s.Results) {
	case 0:
		return str
	case 1:
		return str + " " + s.Results[0].String()
	}
	return str + " (" + join(s.Results, ", ") + ")"
}

func (p Param) String() string {
	if p.Owner == OwnerFunc {
		return "!!" + strconv.Itoa(p.Index)
	}
	return "!" + strconv.Itoa(p.Index)
}

func (f Func) String() string {
	var b strings.Builder
	b.WriteString(f.Pkg)
	b.WriteByte('.')

	switch r := f.Recv.(type) {
	case Pointer:
		b.WriteString("(*")
		b.WriteString(localName(r.Elem))
		b.WriteString(").")
	case nil:
	default:
		b.WriteString(localName(r))
		b.WriteByte('.')
	}

	b.WriteString(f.Name)
	b.WriteString(argList(f.Args))

	if f.Closure != "" {
		b.WriteByte('.')
		b.WriteString(f.Closure)
	}
	return b.String()
}

// Context returns the generic context of the function: its own type
// arguments, then those of its receiver.
func (f Func) Context() *Context {
	ctx := &Context{Func: f.Args}

	recv := f.Recv
	if p, ok := recv.(Pointer); ok {
		recv = p.Elem
	}
	if n, ok := recv.(Named); ok {
		ctx.Type = n.Args
	}
	return ctx
}

// Generic reports whether the function or its receiver has type
// arguments.
func (f Func) Generic() bool {
	ctx := f.Context()
	return len(ctx.Func) > 0 || len(ctx.Type) > 0
}

func (a Addr) String() string {
	if a.Sym != "" {
		return a.Sym
	}
	return fmt.Sprintf("%#x", a.Addr)
}

func localName(r Ref) string {
	if n, ok := r.(Named); ok {
		return n.local()
	}
	return r.String()
}

func argList(args []Ref) string {
	if len(args) == 0 {
		return ""
	}
	return "[" + join(args, ",") + "]"
}

func join(refs []Ref, sep string) string {
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = r.String()
	}
	return strings.Join(parts, sep)
}
