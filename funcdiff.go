package detour

import (
	"errors"
	"fmt"
	"reflect"
)

type funcDifferences struct {
	In  []*argDifference
	Out []*argDifference
}

// err lists every differing argument and result, or returns nil if there
// are none.
func (d *funcDifferences) err() error {
	errs := []error{}
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, arg.A, arg.B))
		}
	}
	for i, out := range d.Out {
		if out != nil {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, out.A, out.B))
		}
	}

	return errors.Join(errs...)
}

type argDifference struct {
	A reflect.Type
	B reflect.Type
}

// diffFuncs compares the signatures of a and b. The first skip arguments
// are not compared.
func diffFuncs(a, b reflect.Type, skip int) *funcDifferences {
	return &funcDifferences{
		In:  diffTypes(a.NumIn(), a.In, b.NumIn(), b.In, skip),
		Out: diffTypes(a.NumOut(), a.Out, b.NumOut(), b.Out, 0),
	}
}

func diffTypes(na int, at func(int) reflect.Type, nb int, bt func(int) reflect.Type, skip int) []*argDifference {
	diffs := make([]*argDifference, max(na, nb))
	for i := skip; i < len(diffs); i++ {
		var d argDifference
		if i < na {
			d.A = at(i)
		}
		if i < nb {
			d.B = bt(i)
		}
		if d.A != d.B {
			diffs[i] = &d
		}
	}
	return diffs
}

// checkSignatures returns an error unless a and b take and return the same
// types, ignoring the first skip arguments.
func checkSignatures(a, b reflect.Type, skip int) error {
	if a.IsVariadic() != b.IsVariadic() {
		return errors.New("function signatures do not match: variadic and non-variadic")
	}
	if err := diffFuncs(a, b, skip).err(); err != nil {
		return fmt.Errorf("function signatures do not match: %w", err)
	}
	return nil
}
