package detour

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pboyd/detour/internal/config"
	"github.com/pboyd/detour/internal/dmd"
	"github.com/pboyd/detour/internal/rtlayout"
)

// entry is one layer of a chain.
type entry struct {
	id          string
	before      []string
	after       []string
	priority    int
	hasPriority bool
	subPriority int
	seq         uint64

	// fn is the func value of the layer.
	fn unsafe.Pointer

	// cell holds the func value the layer's next thunk calls. The thunk
	// has its address baked in, so entries are never copied.
	cell unsafe.Pointer
	next *dmd.Thunk
}

var entrySeq atomic.Uint64

func newEntry(o *options, withNext bool) (*entry, error) {
	e := &entry{
		id:          o.id,
		before:      slices.Clone(o.before),
		after:       slices.Clone(o.after),
		priority:    o.priority,
		hasPriority: o.hasPriority,
		subPriority: o.subPriority,
		seq:         entrySeq.Add(1),
	}

	if withNext {
		next, err := dmd.NewThunk(&e.cell)
		if err != nil {
			return nil, err
		}
		e.next = next
	}
	return e, nil
}

func (e *entry) setNext(fn unsafe.Pointer) {
	atomic.StorePointer(&e.cell, fn)
}

// chain is the ordered set of entries applied to one target.
type chain struct {
	target any
	name   string
	entry  uintptr
	cfg    *config.Config

	// pins counts callers between looking the chain up and finishing
	// with it. Guarded by registry.mu.
	pins int

	mu sync.Mutex

	// cell holds the func value the patched target jumps to.
	cell    unsafe.Pointer
	entries []*entry
	patch   *patch
	orig    *original

	// missing stands in for orig when no copy could be made.
	missing unsafe.Pointer
}

var registry = struct {
	mu     sync.Mutex
	chains map[uintptr]*chain
}{
	chains: make(map[uintptr]*chain),
}

// withChain runs fn with the chain for target locked. The chain is created
// if needed and dropped again if it's left empty.
func withChain(target reflect.Value, cfg *config.Config, fn func(c *chain) error) error {
	pc := target.Pointer()

	registry.mu.Lock()
	c, ok := registry.chains[pc]
	if !ok {
		c = &chain{
			target: target.Interface(),
			name:   funcName(pc),
			entry:  pc,
			cfg:    cfg,
		}
		registry.chains[pc] = c
	}
	c.pins++
	registry.mu.Unlock()

	c.mu.Lock()
	err := fn(c)
	c.mu.Unlock()

	registry.mu.Lock()
	defer registry.mu.Unlock()
	c.pins--
	if c.pins == 0 {
		c.mu.Lock()
		empty := len(c.entries) == 0
		c.mu.Unlock()
		if empty {
			delete(registry.chains, pc)
		}
	}
	return err
}

// peekChain runs fn with the chain for the function at pc locked, if there
// is one.
func peekChain(pc uintptr, fn func(c *chain)) {
	registry.mu.Lock()
	c, ok := registry.chains[pc]
	registry.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// insert adds e to the chain. The target is patched when the first entry
// goes in. On error the chain is unchanged.
func (c *chain) insert(e *entry) error {
	if slices.Contains(c.entries, e) {
		return nil
	}

	order, err := sortEntries(append(slices.Clone(c.entries), e))
	if err != nil {
		return err
	}

	// Layers that call next need the original copy. Replacements alone
	// can do without it.
	if c.orig == nil {
		orig, err := originalOf(c.target, c.entry, c.cfg)
		switch {
		case err == nil:
			c.orig = orig
		case callsNext(order):
			return err
		default:
			log.Debug("no original copy", "func", c.name, "err", err)
		}
	}

	if c.patch != nil {
		c.entries = order
		c.rewire()
		return nil
	}

	layout, err := rtlayout.Current()
	if err != nil {
		return err
	}
	f, ok := layout.FindFunc(c.entry)
	if !ok {
		return fmt.Errorf("no function at %#x", c.entry)
	}

	c.entries = order
	c.rewire()

	c.patch, err = patchEntry(f, &c.cell)
	if err != nil {
		c.entries = nil
		return err
	}
	log.Debug("patched", "func", f.Name)
	return nil
}

// remove takes e out of the chain. The target is restored when the last
// entry goes.
func (c *chain) remove(e *entry) error {
	i := slices.Index(c.entries, e)
	if i < 0 {
		return nil
	}
	rest := slices.Delete(slices.Clone(c.entries), i, i+1)

	if len(rest) == 0 {
		if err := c.patch.restore(); err != nil {
			return err
		}
		c.patch = nil
		c.entries = nil
		atomic.StorePointer(&c.cell, nil)
		log.Debug("restored", "func", c.name)
		return nil
	}

	order, err := sortEntries(rest)
	if err != nil {
		return err
	}
	c.entries = order
	c.rewire()
	return nil
}

// rewire points every entry at the one inside it, the innermost at the
// original copy, and the chain at the outermost. Inner cells are written
// first so the chain is never entered through a half-built path.
func (c *chain) rewire() {
	inner := c.innermost()
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		e.setNext(inner)
		inner = e.fn
	}
	atomic.StorePointer(&c.cell, inner)

	log.Debug("rewired", "func", c.name, "order", c.ids())
}

// innermost returns the func value at the bottom of the chain.
func (c *chain) innermost() unsafe.Pointer {
	if c.orig != nil {
		return c.orig.gen.FuncPointer()
	}
	if c.missing == nil {
		err := fmt.Errorf("detour: no copy of %s to call", c.name)
		stub := reflect.MakeFunc(reflect.TypeOf(c.target), func([]reflect.Value) []reflect.Value {
			panic(err)
		})
		c.missing = funcvalOf(stub.Interface())
	}
	return c.missing
}

func callsNext(entries []*entry) bool {
	return slices.ContainsFunc(entries, func(e *entry) bool {
		return e.next != nil
	})
}

func (c *chain) ids() []string {
	ids := make([]string, len(c.entries))
	for i, e := range c.entries {
		ids[i] = e.id
	}
	return ids
}

// original is a relocated copy of a target taken before it was patched.
// It outlives the chain so func values handed out by Original keep
// working.
type original struct {
	once sync.Once
	m    *dmd.Method
	gen  *dmd.Generated
	err  error
}

var originals sync.Map

func originalOf(target any, pc uintptr, cfg *config.Config) (*original, error) {
	v, _ := originals.LoadOrStore(pc, &original{})
	o := v.(*original)

	o.once.Do(func() {
		ctx := context.Background()

		src, err := dmd.SourceOf(target, cfg)
		if err != nil {
			o.err = err
			return
		}

		m, err := dmd.New(ctx, src, dmd.Options{Config: cfg, Tag: "orig"})
		if err != nil {
			o.err = err
			return
		}

		gen, err := m.Generate(ctx)
		if err != nil {
			m.Close()
			o.err = err
			return
		}
		o.m, o.gen = m, gen
	})

	if o.err != nil {
		originals.CompareAndDelete(pc, o)
		return nil, fmt.Errorf("copying original: %w", o.err)
	}
	return o, nil
}

// funcvalOf returns the pointer held by the func value in fn.
func funcvalOf(fn any) unsafe.Pointer {
	return (*[2]unsafe.Pointer)(unsafe.Pointer(&fn))[1]
}
