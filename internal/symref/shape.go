package symref

import (
	"reflect"
	"strings"
)

// ShapeOf returns the shape the compiler instantiates generic code with
// for type argument t. Types with the same underlying type share a shape,
// and every pointer type is *uint8.
func ShapeOf(t reflect.Type) Ref {
	switch t.Kind() {
	case reflect.Pointer, reflect.UnsafePointer:
		return Shape{Elem: Pointer{Elem: Named{Name: "uint8"}}}
	}
	return Shape{Elem: underlying(t)}
}

// TypeOf returns a reference to t.
func TypeOf(t reflect.Type) Ref {
	if t.Name() != "" {
		if t.PkgPath() == "" {
			return Named{Name: t.Name()}
		}
		if r, err := ParseType(t.PkgPath() + "." + t.Name()); err == nil {
			return r
		}
		return Named{Pkg: t.PkgPath(), Name: t.Name()}
	}
	return underlying(t)
}

func underlying(t reflect.Type) Ref {
	switch t.Kind() {
	case reflect.Pointer:
		return Pointer{Elem: TypeOf(t.Elem())}
	case reflect.Slice:
		return Slice{Elem: TypeOf(t.Elem())}
	case reflect.Array:
		return Array{Len: t.Len(), Elem: TypeOf(t.Elem())}
	case reflect.Map:
		return Map{Key: TypeOf(t.Key()), Elem: TypeOf(t.Elem())}
	case reflect.Chan:
		dir := BothDir
		switch t.ChanDir() {
		case reflect.SendDir:
			dir = SendDir
		case reflect.RecvDir:
			dir = RecvDir
		}
		return Chan{Dir: dir, Elem: TypeOf(t.Elem())}
	case reflect.Func:
		var sig Signature
		for i := 0; i < t.NumIn(); i++ {
			sig.Params = append(sig.Params, TypeOf(t.In(i)))
		}
		for i := 0; i < t.NumOut(); i++ {
			sig.Results = append(sig.Results, TypeOf(t.Out(i)))
		}
		return sig
	case reflect.Struct:
		return Literal{Text: structLiteral(t)}
	case reflect.Interface:
		return Literal{Text: interfaceLiteral(t)}
	case reflect.UnsafePointer:
		return Named{Pkg: "unsafe", Name: "Pointer"}
	}

	// Predeclared kinds print the same as their type names.
	return Named{Name: t.Kind().String()}
}

func structLiteral(t reflect.Type) string {
	if t.NumField() == 0 {
		return "struct {}"
	}
	fields := make([]string, t.NumField())
	for i := range fields {
		f := t.Field(i)
		if f.Anonymous {
			fields[i] = TypeOf(f.Type).String()
		} else {
			fields[i] = f.Name + " " + TypeOf(f.Type).String()
		}
	}
	return "struct { " + strings.Join(fields, "; ") + " }"
}

func interfaceLiteral(t reflect.Type) string {
	if t.NumMethod() == 0 {
		return "interface {}"
	}
	methods := make([]string, t.NumMethod())
	for i := range methods {
		m := t.Method(i)
		methods[i] = m.Name + strings.TrimPrefix(TypeOf(m.Type).String(), "func")
	}
	return "interface { " + strings.Join(methods, "; ") + " }"
}
