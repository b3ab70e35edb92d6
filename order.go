package detour

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
)

// compareEntries orders entries outermost first before any before/after
// constraint is considered: by priority (entries without one last), then
// sub-priority, then newest first.
func compareEntries(a, b *entry) int {
	switch {
	case a.hasPriority && !b.hasPriority:
		return -1
	case !a.hasPriority && b.hasPriority:
		return 1
	case a.hasPriority:
		if c := cmp.Compare(b.priority, a.priority); c != 0 {
			return c
		}
	}

	if c := cmp.Compare(b.subPriority, a.subPriority); c != 0 {
		return c
	}
	return cmp.Compare(b.seq, a.seq)
}

// sortEntries returns entries from outermost to innermost.
//
// Each entry is placed after every entry that must be outside of it. Among
// unconstrained entries the order from compareEntries is kept. When two
// entries constrain each other both ways the first constraint found wins
// and the conflict is logged.
func sortEntries(entries []*entry) ([]*entry, error) {
	base := slices.Clone(entries)
	slices.SortStableFunc(base, compareEntries)

	// outside[e] lists the entries that must be placed outside of e, in
	// base order.
	outside := make(map[*entry][]*entry, len(base))
	for i, n := range base {
		for _, c := range base[i+1:] {
			if n.id == c.id || n.id == "" || c.id == "" {
				continue
			}

			var nOuter, cOuter bool
			set := func(nIsOuter bool) {
				if nIsOuter && cOuter || !nIsOuter && nOuter {
					log.Warn("conflicting order constraints", "a", n.id, "b", c.id)
					return
				}
				if nIsOuter {
					nOuter = true
				} else {
					cOuter = true
				}
			}

			if slices.Contains(n.before, c.id) {
				set(true)
			}
			if slices.Contains(n.after, c.id) {
				set(false)
			}
			if slices.Contains(c.before, n.id) {
				set(false)
			}
			if slices.Contains(c.after, n.id) {
				set(true)
			}

			switch {
			case nOuter:
				outside[c] = append(outside[c], n)
			case cOuter:
				outside[n] = append(outside[n], c)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[*entry]int, len(base))
	sorted := make([]*entry, 0, len(base))

	var visit func(e *entry) error
	visit = func(e *entry) error {
		switch marks[e] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: involving %q", ErrCycle, e.id)
		}

		marks[e] = visiting
		for _, o := range outside[e] {
			if err := visit(o); err != nil {
				return err
			}
		}
		marks[e] = visited
		sorted = append(sorted, e)
		return nil
	}

	for _, e := range base {
		if err := visit(e); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}

// Order returns the IDs of the hooks applied to target, outermost first.
func Order(target any) []string {
	fnv := reflect.ValueOf(target)
	if fnv.Kind() != reflect.Func || fnv.IsNil() {
		return nil
	}

	var ids []string
	peekChain(fnv.Pointer(), func(c *chain) {
		ids = c.ids()
	})
	return ids
}
