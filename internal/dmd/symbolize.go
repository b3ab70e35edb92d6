package dmd

import (
	"cmp"
	"slices"
	"sync"
)

type symbolRange struct {
	start, end uintptr
	name       string
}

// registry maps generated code back to the function it was copied from.
// Entries are sorted by start address.
var registry struct {
	mu      sync.RWMutex
	entries []symbolRange
}

func register(name string, code []byte) {
	r := symbolRange{start: addrOf(code), end: addrOf(code) + uintptr(len(code)), name: name}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	i, _ := slices.BinarySearchFunc(registry.entries, r.start, func(e symbolRange, pc uintptr) int {
		return cmp.Compare(e.start, pc)
	})
	registry.entries = slices.Insert(registry.entries, i, r)
}

func unregister(code []byte) {
	start := addrOf(code)

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.entries = slices.DeleteFunc(registry.entries, func(e symbolRange) bool {
		return e.start == start
	})
}

// Symbolize returns the name of the function whose generated copy
// contains pc, and pc's offset from the start of the copy. Only copies
// made by the builder backend are registered.
func Symbolize(pc uintptr) (name string, offset int, ok bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	i, found := slices.BinarySearchFunc(registry.entries, pc, func(e symbolRange, pc uintptr) int {
		return cmp.Compare(e.start, pc)
	})
	if !found {
		i--
	}
	if i < 0 || i >= len(registry.entries) {
		return "", 0, false
	}

	e := registry.entries[i]
	if pc < e.start || pc >= e.end {
		return "", 0, false
	}
	return e.name, int(pc - e.start), true
}
