package symref

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrRelinkTargetNotFound is wrapped by *TargetNotFoundError.
var ErrRelinkTargetNotFound = errors.New("relink target not found")

// Context binds generic parameters by position. Function parameters are
// looked up first, then receiver type parameters. Outer is searched when
// neither list binds a parameter, which is how a function literal sees the
// parameters of the function it's declared in.
type Context struct {
	Func  []Ref
	Type  []Ref
	Outer *Context
}

func (c *Context) String() string {
	if c == nil {
		return "<nil>"
	}
	s := fmt.Sprintf("func[%s] type[%s]", join(c.Func, ","), join(c.Type, ","))
	if c.Outer != nil {
		s += " outer{" + c.Outer.String() + "}"
	}
	return s
}

// TryResolve returns the binding of p, walking outward through the
// context chain.
func TryResolve(ctx *Context, p Param) (Ref, bool) {
	for c := ctx; c != nil; c = c.Outer {
		list := c.Type
		if p.Owner == OwnerFunc {
			list = c.Func
		}
		if p.Index >= 0 && p.Index < len(list) {
			return list[p.Index], true
		}
	}
	return nil, false
}

// TargetNotFoundError is returned when a reference can't be relinked.
type TargetNotFoundError struct {
	Ref     Ref
	Context *Context
	Err     error
}

func (e *TargetNotFoundError) Error() string {
	msg := fmt.Sprintf("%v: %s in context %s", ErrRelinkTargetNotFound, e.Ref, e.Context)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TargetNotFoundError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRelinkTargetNotFound}
	}
	return []error{ErrRelinkTargetNotFound, e.Err}
}

// LeafFunc relinks a reference whose parts have already been relinked.
// It is where a reference is looked up in the destination.
type LeafFunc func(ref Ref, ctx *Context) (Ref, error)

// Relinker rewrites references from one generic context to another.
type Relinker struct {
	// Leaf is called for Named, Func, Literal and Addr references. A nil
	// Leaf keeps them as they are.
	Leaf LeafFunc
}

// Relink returns the equivalent of ref in ctx.
func (r Relinker) Relink(ref Ref, ctx *Context) (Ref, error) {
	switch ref := ref.(type) {
	case nil:
		return nil, nil

	case Param:
		bound, ok := TryResolve(ctx, ref)
		if !ok {
			return nil, &TargetNotFoundError{Ref: ref, Context: ctx}
		}
		return bound, nil

	case Pointer:
		return r.wrap(ref.Elem, ctx, func(e Ref) Ref { return Pointer{Elem: e} })

	case Slice:
		return r.wrap(ref.Elem, ctx, func(e Ref) Ref { return Slice{Elem: e} })

	case Array:
		return r.wrap(ref.Elem, ctx, func(e Ref) Ref { return Array{Len: ref.Len, Elem: e} })

	case Chan:
		return r.wrap(ref.Elem, ctx, func(e Ref) Ref { return Chan{Dir: ref.Dir, Elem: e} })

	case Shape:
		return r.wrap(ref.Elem, ctx, func(e Ref) Ref {
			// A parameter bound to a shape is already a shape.
			if s, ok := e.(Shape); ok {
				return s
			}
			return Shape{Elem: e}
		})

	case Map:
		key, err := r.Relink(ref.Key, ctx)
		if err != nil {
			return nil, err
		}
		elem, err := r.Relink(ref.Elem, ctx)
		if err != nil {
			return nil, err
		}
		return Map{Key: key, Elem: elem}, nil

	case Signature:
		params, err := r.relinkAll(ref.Params, ctx)
		if err != nil {
			return nil, err
		}
		results, err := r.relinkAll(ref.Results, ctx)
		if err != nil {
			return nil, err
		}
		return Signature{Params: params, Results: results}, nil

	case Named:
		args, err := r.relinkAll(ref.Args, ctx)
		if err != nil {
			return nil, err
		}
		ref.Args = args
		return r.leaf(ref, ctx)

	case Func:
		// The receiver first: its relink can depend on the outer context.
		recv, err := r.Relink(ref.Recv, ctx)
		if err != nil {
			return nil, err
		}
		args, err := r.relinkAll(ref.Args, ctx)
		if err != nil {
			return nil, err
		}
		ref.Recv, ref.Args = recv, args
		return r.leaf(ref, ctx)
	}

	return r.leaf(ref, ctx)
}

// wrap relinks the element of a composite and rebuilds it.
func (r Relinker) wrap(elem Ref, ctx *Context, build func(Ref) Ref) (Ref, error) {
	out, err := r.Relink(elem, ctx)
	if err != nil {
		return nil, err
	}
	return build(out), nil
}

func (r Relinker) relinkAll(refs []Ref, ctx *Context) ([]Ref, error) {
	if refs == nil {
		return nil, nil
	}
	out := make([]Ref, len(refs))
	for i, ref := range refs {
		var err error
		out[i], err = r.Relink(ref, ctx)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r Relinker) leaf(ref Ref, ctx *Context) (Ref, error) {
	if r.Leaf == nil {
		return ref, nil
	}
	out, err := r.Leaf(ref, ctx)
	if err != nil {
		var notFound *TargetNotFoundError
		if errors.As(err, &notFound) {
			return nil, err
		}
		return nil, &TargetNotFoundError{Ref: ref, Context: ctx, Err: err}
	}
	return out, nil
}

// Generalize replaces every part of ref that equals a binding in ctx with
// the parameter it's bound to. Relinking the result against ctx gives ref
// back.
func Generalize(ref Ref, ctx *Context) Ref {
	if ctx == nil {
		return ref
	}
	if p, ok := paramFor(ref, ctx); ok {
		return p
	}

	switch ref := ref.(type) {
	case Pointer:
		return Pointer{Elem: Generalize(ref.Elem, ctx)}
	case Slice:
		return Slice{Elem: Generalize(ref.Elem, ctx)}
	case Array:
		return Array{Len: ref.Len, Elem: Generalize(ref.Elem, ctx)}
	case Chan:
		return Chan{Dir: ref.Dir, Elem: Generalize(ref.Elem, ctx)}
	case Map:
		return Map{Key: Generalize(ref.Key, ctx), Elem: Generalize(ref.Elem, ctx)}
	case Signature:
		return Signature{Params: generalizeAll(ref.Params, ctx), Results: generalizeAll(ref.Results, ctx)}
	case Named:
		ref.Args = generalizeAll(ref.Args, ctx)
		return ref
	case Func:
		if ref.Recv != nil {
			ref.Recv = Generalize(ref.Recv, ctx)
		}
		ref.Args = generalizeAll(ref.Args, ctx)
		return ref
	}
	return ref
}

func generalizeAll(refs []Ref, ctx *Context) []Ref {
	if refs == nil {
		return nil
	}
	out := make([]Ref, len(refs))
	for i, r := range refs {
		out[i] = Generalize(r, ctx)
	}
	return out
}

func paramFor(ref Ref, ctx *Context) (Param, bool) {
	if _, ok := ref.(Func); ok {
		return Param{}, false
	}
	for i, b := range ctx.Func {
		if reflect.DeepEqual(b, ref) {
			return Param{Owner: OwnerFunc, Index: i}, true
		}
	}
	for i, b := range ctx.Type {
		if reflect.DeepEqual(b, ref) {
			return Param{Owner: OwnerType, Index: i}, true
		}
	}
	return Param{}, false
}
