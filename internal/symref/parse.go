package symref

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax is returned for names that aren't Go symbols or types.
var ErrSyntax = errors.New("invalid symbol")

// Parse reads a function symbol as the Go linker names it:
//
//	fmt.Println
//	main.(*List[go.shape.int]).Push
//	main.Pair[go.shape.int].Swap
//	main.Map[go.shape.int,go.shape.string]
//	main.Map[go.shape.int,go.shape.string].func1
//	github.com/pboyd/detour.(*Hook[go.shape.func()]).Apply
//
// A value receiver without type arguments can't be told apart from a
// dotted name ("main.T.M", "main.main.func1"); both are kept in Name.
func Parse(sym string) (Func, error) {
	limit := strings.IndexAny(sym, "([")
	if limit < 0 {
		limit = len(sym)
	}
	slash := strings.LastIndexByte(sym[:limit], '/')
	dot := strings.IndexByte(sym[slash+1:limit], '.')
	if dot < 0 {
		return Func{}, fmt.Errorf("%w: %q has no package", ErrSyntax, sym)
	}

	f := Func{Pkg: sym[:slash+1+dot]}
	p := &parser{s: sym, pos: slash + 1 + dot + 1}

	if p.consume("(*") {
		recv, err := p.named()
		if err != nil {
			return Func{}, err
		}
		recv.Pkg = f.Pkg
		if !p.consume(").") {
			return Func{}, p.errorf("expected ).")
		}
		f.Recv = Pointer{Elem: recv}
	}

	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != '[' {
		p.pos++
	}
	name := p.s[start:p.pos]
	if name == "" {
		return Func{}, p.errorf("missing name")
	}

	if !p.consume("[") {
		f.Name = name
		return f, nil
	}

	args, err := p.list(']')
	if err != nil {
		return Func{}, err
	}

	switch {
	case p.done():
		f.Name, f.Args = name, args
	case p.consume("."):
		suffix := p.s[p.pos:]
		if isClosure(suffix) {
			f.Name, f.Args, f.Closure = name, args, suffix
		} else if f.Recv == nil {
			f.Recv = Named{Pkg: f.Pkg, Name: name, Args: args}
			f.Name = suffix
		} else {
			return Func{}, p.errorf("type arguments on a method")
		}
	default:
		return Func{}, p.errorf("unexpected text after type arguments")
	}

	return f, nil
}

// ParseType reads a type as it appears in symbol names.
func ParseType(s string) (Ref, error) {
	p := &parser{s: s}
	r, err := p.typ()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, p.errorf("unexpected trailing text")
	}
	return r, nil
}

func isClosure(s string) bool {
	first, _, _ := strings.Cut(s, ".")
	for _, prefix := range []string{"func", "gowrap", "deferwrap"} {
		if n, ok := strings.CutPrefix(first, prefix); ok && n != "" {
			if _, err := strconv.Atoi(n); err == nil {
				return true
			}
		}
	}
	return false
}

type parser struct {
	s   string
	pos int
}

func (p *parser) done() bool {
	return p.pos >= len(p.s)
}

func (p *parser) consume(prefix string) bool {
	if strings.HasPrefix(p.s[p.pos:], prefix) {
		p.pos += len(prefix)
		return true
	}
	return false
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %q at %d: %s", ErrSyntax, p.s, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) typ() (Ref, error) {
	rest := p.s[p.pos:]

	switch {
	case p.consume("*"):
		elem, err := p.typ()
		if err != nil {
			return nil, err
		}
		return Pointer{Elem: elem}, nil

	case p.consume("[]"):
		elem, err := p.typ()
		if err != nil {
			return nil, err
		}
		return Slice{Elem: elem}, nil

	case p.consume("["):
		n, err := p.number()
		if err != nil {
			return nil, err
		}
		if !p.consume("]") {
			return nil, p.errorf("expected ]")
		}
		elem, err := p.typ()
		if err != nil {
			return nil, err
		}
		return Array{Len: n, Elem: elem}, nil

	case p.consume("map["):
		key, err := p.typ()
		if err != nil {
			return nil, err
		}
		if !p.consume("]") {
			return nil, p.errorf("expected ]")
		}
		elem, err := p.typ()
		if err != nil {
			return nil, err
		}
		return Map{Key: key, Elem: elem}, nil

	case strings.HasPrefix(rest, "chan<- "), strings.HasPrefix(rest, "<-chan "), strings.HasPrefix(rest, "chan "):
		dir := BothDir
		switch {
		case p.consume("chan<- "):
			dir = SendDir
		case p.consume("<-chan "):
			dir = RecvDir
		default:
			p.consume("chan ")
		}
		elem, err := p.typ()
		if err != nil {
			return nil, err
		}
		return Chan{Dir: dir, Elem: elem}, nil

	case p.consume("func("):
		return p.signature()

	case p.consume(shapePrefix):
		elem, err := p.typ()
		if err != nil {
			return nil, err
		}
		return Shape{Elem: elem}, nil

	case strings.HasPrefix(rest, "struct {"), strings.HasPrefix(rest, "interface {"):
		return p.literal()

	case p.consume("!!"):
		n, err := p.number()
		return Param{Owner: OwnerFunc, Index: n}, err

	case p.consume("!"):
		n, err := p.number()
		return Param{Owner: OwnerType, Index: n}, err
	}

	n, err := p.named()
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (p *parser) named() (Named, error) {
	start := p.pos
	for p.pos < len(p.s) && !strings.ContainsRune(",[]() {};", rune(p.s[p.pos])) {
		p.pos++
	}
	ident := p.s[start:p.pos]
	if ident == "" {
		return Named{}, p.errorf("expected a type")
	}

	var n Named
	n.Pkg, n.Name = splitQualified(ident)

	if p.consume("[") {
		args, err := p.list(']')
		if err != nil {
			return Named{}, err
		}
		n.Args = args
	}
	return n, nil
}

// list reads comma separated types up to and including end.
func (p *parser) list(end byte) ([]Ref, error) {
	var out []Ref
	if p.consume(string(end)) {
		return out, nil
	}

	for {
		p.consume(" ")
		r, err := p.typ()
		if err != nil {
			return nil, err
		}
		out = append(out, r)

		if p.consume(string(end)) {
			return out, nil
		}
		if !p.consume(",") {
			return nil, p.errorf("expected , or %c", end)
		}
	}
}

func (p *parser) signature() (Ref, error) {
	params, err := p.list(')')
	if err != nil {
		return nil, err
	}
	sig := Signature{Params: params}

	switch {
	case p.consume(" ("):
		sig.Results, err = p.list(')')
	case p.consume(" "):
		var r Ref
		r, err = p.typ()
		sig.Results = []Ref{r}
	}
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// literal reads a struct or interface literal through its closing brace.
func (p *parser) literal() (Ref, error) {
	start := p.pos
	depth := 0
	for ; p.pos < len(p.s); p.pos++ {
		switch p.s[p.pos] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				p.pos++
				return Literal{Text: p.s[start:p.pos]}, nil
			}
		}
	}
	return nil, p.errorf("unterminated literal")
}

func (p *parser) number() (int, error) {
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
		p.pos++
	}
	n, err := strconv.Atoi(p.s[start:p.pos])
	if err != nil {
		return 0, p.errorf("expected a number")
	}
	return n, nil
}

// splitQualified splits "github.com/a/b.T" into "github.com/a/b" and "T".
// Dots in the last path element are escaped by the linker, so the first
// dot after the last slash ends the package.
func splitQualified(ident string) (pkg, name string) {
	slash := strings.LastIndexByte(ident, '/')
	dot := strings.IndexByte(ident[slash+1:], '.')
	if dot < 0 {
		return "", ident
	}
	return ident[:slash+1+dot], ident[slash+1+dot+1:]
}
