package symref

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	shapeInt    = Shape{Elem: Named{Name: "int"}}
	shapeString = Shape{Elem: Named{Name: "string"}}
	shapePtr    = Shape{Elem: Pointer{Elem: Named{Name: "uint8"}}}
)

func TestParse(t *testing.T) {
	cases := map[string]struct {
		sym  string
		want Func
	}{
		"func": {
			sym:  "fmt.Println",
			want: Func{Pkg: "fmt", Name: "Println"},
		},
		"path": {
			sym:  "github.com/pboyd/detour.New",
			want: Func{Pkg: "github.com/pboyd/detour", Name: "New"},
		},
		"escaped path": {
			sym:  "gopkg.in/yaml%2ev3.Marshal",
			want: Func{Pkg: "gopkg.in/yaml%2ev3", Name: "Marshal"},
		},
		"value method": {
			sym:  "main.T.M",
			want: Func{Pkg: "main", Name: "T.M"},
		},
		"pointer method": {
			sym: "main.(*T).M",
			want: Func{
				Pkg:  "main",
				Recv: Pointer{Elem: Named{Pkg: "main", Name: "T"}},
				Name: "M",
			},
		},
		"closure": {
			sym:  "main.main.func1",
			want: Func{Pkg: "main", Name: "main.func1"},
		},
		"generic func": {
			sym: "main.Map[go.shape.int,go.shape.string]",
			want: Func{
				Pkg:  "main",
				Name: "Map",
				Args: []Ref{shapeInt, shapeString},
			},
		},
		"generic closure": {
			sym: "main.Map[go.shape.int].func2.1",
			want: Func{
				Pkg:     "main",
				Name:    "Map",
				Args:    []Ref{shapeInt},
				Closure: "func2.1",
			},
		},
		"generic pointer method": {
			sym: "main.(*List[go.shape.*uint8]).Push",
			want: Func{
				Pkg:  "main",
				Recv: Pointer{Elem: Named{Pkg: "main", Name: "List", Args: []Ref{shapePtr}}},
				Name: "Push",
			},
		},
		"generic value method": {
			sym: "main.Pair[go.shape.int,go.shape.string].Swap",
			want: Func{
				Pkg:  "main",
				Recv: Named{Pkg: "main", Name: "Pair", Args: []Ref{shapeInt, shapeString}},
				Name: "Swap",
			},
		},
		"composite args": {
			sym: "main.F[go.shape.[]int,go.shape.map[string]*main.T,go.shape.func(int, string) error]",
			want: Func{
				Pkg:  "main",
				Name: "F",
				Args: []Ref{
					Shape{Elem: Slice{Elem: Named{Name: "int"}}},
					Shape{Elem: Map{Key: Named{Name: "string"}, Elem: Pointer{Elem: Named{Pkg: "main", Name: "T"}}}},
					Shape{Elem: Signature{Params: []Ref{Named{Name: "int"}, Named{Name: "string"}}, Results: []Ref{Named{Name: "error"}}}},
				},
			},
		},
		"literal args": {
			sym: "main.F[go.shape.interface {},go.shape.struct { X int; Y []string }]",
			want: Func{
				Pkg:  "main",
				Name: "F",
				Args: []Ref{
					Shape{Elem: Literal{Text: "interface {}"}},
					Shape{Elem: Literal{Text: "struct { X int; Y []string }"}},
				},
			},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			got, err := Parse(tc.sym)
			require.NoError(t, err)
			assert.Equal(tc.want, got)
			assert.Equal(tc.sym, got.String())
		})
	}
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"no package":     "main",
		"unterminated":   "main.F[go.shape.int",
		"trailing":       "main.F[int]x",
		"bad receiver":   "main.(*T.M",
		"args on method": "main.(*T).M[int].N",
	}

	for name, sym := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(sym)
			assert.ErrorIs(t, err, ErrSyntax)
		})
	}
}

func TestParseType(t *testing.T) {
	cases := map[string]Ref{
		"[4]int":              Array{Len: 4, Elem: Named{Name: "int"}},
		"chan<- int":          Chan{Dir: SendDir, Elem: Named{Name: "int"}},
		"<-chan int":          Chan{Dir: RecvDir, Elem: Named{Name: "int"}},
		"chan int":            Chan{Dir: BothDir, Elem: Named{Name: "int"}},
		"func() (int, error)": Signature{Results: []Ref{Named{Name: "int"}, Named{Name: "error"}}},
		"!!1":                 Param{Owner: OwnerFunc, Index: 1},
		"!0":                  Param{Owner: OwnerType, Index: 0},
		"main.L[!0]":          Named{Pkg: "main", Name: "L", Args: []Ref{Param{Owner: OwnerType}}},
	}

	for s, want := range cases {
		t.Run(s, func(t *testing.T) {
			got, err := ParseType(s)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, s, got.String())
		})
	}
}

func TestRelink_Params(t *testing.T) {
	assert := assert.New(t)

	tmpl := Func{
		Pkg:  "main",
		Recv: Pointer{Elem: Named{Pkg: "main", Name: "List", Args: []Ref{Param{Owner: OwnerType, Index: 0}}}},
		Name: "Push",
	}
	call := Func{
		Pkg:  "main",
		Name: "Map",
		Args: []Ref{Param{Owner: OwnerFunc, Index: 1}, Slice{Elem: Param{Owner: OwnerType, Index: 0}}},
	}

	ctx := &Context{
		Func: []Ref{shapeInt, shapeString},
		Type: []Ref{shapePtr},
	}

	var r Relinker

	got, err := r.Relink(tmpl, ctx)
	require.NoError(t, err)
	assert.Equal("main.(*List[go.shape.*uint8]).Push", got.String())

	got, err = r.Relink(call, ctx)
	require.NoError(t, err)
	assert.Equal("main.Map[go.shape.string,[]go.shape.*uint8]", got.String())
}

func TestRelink_Position(t *testing.T) {
	// Parameters are bound by position and owner, never by what they're
	// bound to in some other context.
	ctx := &Context{
		Func: []Ref{shapeString},
		Type: []Ref{shapeInt},
	}

	got, err := Relinker{}.Relink(Param{Owner: OwnerType, Index: 0}, ctx)
	require.NoError(t, err)
	assert.Equal(t, shapeInt, got)

	got, err = Relinker{}.Relink(Param{Owner: OwnerFunc, Index: 0}, ctx)
	require.NoError(t, err)
	assert.Equal(t, shapeString, got)
}

func TestRelink_OuterContext(t *testing.T) {
	outer := &Context{Func: []Ref{shapeInt, shapeString}}
	inner := &Context{Func: []Ref{shapePtr}, Outer: outer}

	got, err := Relinker{}.Relink(Param{Owner: OwnerFunc, Index: 1}, inner)
	require.NoError(t, err)
	assert.Equal(t, shapeString, got)

	got, err = Relinker{}.Relink(Param{Owner: OwnerFunc, Index: 0}, inner)
	require.NoError(t, err)
	assert.Equal(t, shapePtr, got)
}

func TestRelink_NotFound(t *testing.T) {
	assert := assert.New(t)

	ref := Pointer{Elem: Param{Owner: OwnerType, Index: 2}}
	ctx := &Context{Type: []Ref{shapeInt}}

	_, err := Relinker{}.Relink(ref, ctx)
	require.Error(t, err)
	assert.ErrorIs(err, ErrRelinkTargetNotFound)

	var notFound *TargetNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(Param{Owner: OwnerType, Index: 2}, notFound.Ref)
	assert.Same(ctx, notFound.Context)
	assert.Contains(err.Error(), "!2")

	_, err = Relinker{}.Relink(ref, nil)
	assert.ErrorIs(err, ErrRelinkTargetNotFound)
}

func TestRelink_Leaf(t *testing.T) {
	assert := assert.New(t)

	var order []string
	r := Relinker{
		Leaf: func(ref Ref, ctx *Context) (Ref, error) {
			order = append(order, ref.String())
			if ref.String() == "main.Missing" {
				return nil, errors.New("no such symbol")
			}
			return ref, nil
		},
	}

	f := Func{
		Pkg:  "main",
		Recv: Named{Pkg: "main", Name: "Pair", Args: []Ref{Named{Pkg: "main", Name: "T"}}},
		Name: "Swap",
	}
	_, err := r.Relink(f, nil)
	require.NoError(t, err)

	// Type arguments, then the receiver, then the method itself.
	assert.Equal([]string{"main.T", "main.Pair[main.T]", "main.Pair[main.T].Swap"}, order)

	_, err = r.Relink(Pointer{Elem: Named{Pkg: "main", Name: "Missing"}}, nil)
	assert.ErrorIs(err, ErrRelinkTargetNotFound)
	assert.Contains(err.Error(), "no such symbol")
}

func TestRelink_Idempotent(t *testing.T) {
	// Without parameters the context makes no difference.
	refs := []Ref{
		Func{Pkg: "fmt", Name: "Println"},
		Func{Pkg: "main", Recv: Pointer{Elem: Named{Pkg: "main", Name: "T"}}, Name: "M"},
		Map{Key: Named{Name: "string"}, Elem: Slice{Elem: shapeInt}},
		Signature{Params: []Ref{Named{Name: "int"}}, Results: []Ref{Named{Name: "error"}}},
		Addr{Addr: 0x1234},
	}
	contexts := []*Context{
		nil,
		{},
		{Func: []Ref{shapeInt}},
		{Type: []Ref{shapeString}, Outer: &Context{Func: []Ref{shapePtr}}},
	}

	for _, ref := range refs {
		for _, ctx := range contexts {
			got, err := Relinker{}.Relink(ref, ctx)
			require.NoError(t, err)
			assert.Equal(t, ref, got, "%s in %s", ref, ctx)
		}
	}
}

func TestGeneralize(t *testing.T) {
	assert := assert.New(t)

	src, err := Parse("main.(*List[go.shape.int]).Push")
	require.NoError(t, err)
	callee, err := Parse("main.helper[go.shape.int,go.shape.string]")
	require.NoError(t, err)

	from := src.Context()
	tmpl := Generalize(callee, from)
	assert.Equal("main.helper[!0,go.shape.string]", tmpl.String())

	// Back in the original context it's the same symbol.
	same, err := Relinker{}.Relink(tmpl, from)
	require.NoError(t, err)
	assert.Equal(callee, same)

	// In another instantiation it follows the receiver's type argument.
	to := &Context{Type: []Ref{shapePtr}}
	moved, err := Relinker{}.Relink(tmpl, to)
	require.NoError(t, err)
	assert.Equal("main.helper[go.shape.*uint8,go.shape.string]", moved.String())
}

func TestShapeOf(t *testing.T) {
	type myInt int
	type node struct{ next *node }

	cases := map[string]struct {
		typ  reflect.Type
		want string
	}{
		"int":         {reflect.TypeFor[int](), "go.shape.int"},
		"named int":   {reflect.TypeFor[myInt](), "go.shape.int"},
		"string":      {reflect.TypeFor[string](), "go.shape.string"},
		"pointer":     {reflect.TypeFor[*node](), "go.shape.*uint8"},
		"slice":       {reflect.TypeFor[[]byte](), "go.shape.[]uint8"},
		"map":         {reflect.TypeFor[map[string]int](), "go.shape.map[string]int"},
		"empty iface": {reflect.TypeFor[any](), "go.shape.interface {}"},
		"error":       {reflect.TypeFor[error](), "go.shape.interface { Error() string }"},
		"func":        {reflect.TypeFor[func(int) bool](), "go.shape.func(int) bool"},
		"struct":      {reflect.TypeFor[struct{ X, Y int }](), "go.shape.struct { X int; Y int }"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShapeOf(tc.typ).String())
		})
	}
}

func TestFuncContext(t *testing.T) {
	f, err := Parse("main.Pair[go.shape.int,go.shape.string].Swap")
	require.NoError(t, err)

	assert.True(t, f.Generic())
	assert.Equal(t, []Ref{shapeInt, shapeString}, f.Context().Type)
	assert.Empty(t, f.Context().Func)

	g, err := Parse("fmt.Println")
	require.NoError(t, err)
	assert.False(t, g.Generic())
}
