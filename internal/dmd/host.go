package dmd

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pboyd/detour/internal/asm"
	"github.com/pboyd/detour/internal/logging"
	"github.com/pboyd/detour/internal/rtlayout"
	"github.com/pboyd/detour/internal/symref"
)

// slotBlockSize is how much arena memory the import table takes at a time.
const slotBlockSize = 4096

// Host receives relocated code from one module. It owns an executable
// arena and an import table of absolute slots, so that a target imported
// by many methods takes one slot.
type Host struct {
	module *rtlayout.Module
	layout rtlayout.Layout
	arch   asm.Arch
	arena  *arena
	shared bool

	mu    sync.Mutex
	slots map[uintptr]uintptr
	block []byte
	used  int

	// Guarded by the cache lock.
	refs      int
	disposals int
}

func newHost(mod *rtlayout.Module, layout rtlayout.Layout, arch asm.Arch, a *arena, shared bool) *Host {
	return &Host{
		module: mod,
		layout: layout,
		arch:   arch,
		arena:  a,
		shared: shared,
		slots:  make(map[uintptr]uintptr),
	}
}

// Module returns the module the host was created for.
func (h *Host) Module() *rtlayout.Module {
	return h.module
}

// Shared reports whether the host is shared through the cache.
func (h *Host) Shared() bool {
	return h.shared
}

// Import returns a slot holding target, allocating one on first use. The
// arena must be between BeginMutate and EndMutate.
func (h *Host) Import(target uintptr) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if slot, ok := h.slots[target]; ok {
		return slot, nil
	}

	size := h.arch.PtrSize()
	if h.block == nil || h.used+size > len(h.block) {
		block, err := h.arena.Allocate(slotBlockSize)
		if err != nil {
			return 0, fmt.Errorf("allocating import slots: %w", err)
		}
		h.block, h.used = block, 0
	}

	binary.LittleEndian.PutUint64(h.block[h.used:], uint64(target))
	slot := addrOf(h.block) + uintptr(h.used)
	h.used += size
	h.slots[target] = slot
	return slot, nil
}

// Imports returns the number of import slots in use.
func (h *Host) Imports() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots)
}

// refOf describes an operand target. Function entries become function
// references; anything else stays an address.
func (h *Host) refOf(addr uintptr) symref.Ref {
	f, ok := h.layout.FindFunc(addr)
	if !ok || f.Entry != addr {
		return symref.Addr{Addr: addr}
	}

	fn, err := symref.Parse(f.Name)
	if err != nil || fn.String() != f.Name {
		return symref.Addr{Addr: addr, Sym: f.Name}
	}
	return fn
}

// resolve is the relink leaf. Functions are looked up by name in the
// host's module.
func (h *Host) resolve(ref symref.Ref, _ *symref.Context) (symref.Ref, error) {
	fn, ok := ref.(symref.Func)
	if !ok {
		return ref, nil
	}

	name := fn.String()
	entry, ok := symbolsOf(h.layout, h.module)[name]
	if !ok {
		return nil, fmt.Errorf("no function named %s", name)
	}
	return symref.Addr{Addr: entry, Sym: name}, nil
}

// hostCache shares hosts between methods from the same module.
type hostCache struct {
	mu    sync.Mutex
	hosts map[uintptr]*Host

	// Arenas of disposed hosts, ready for reuse.
	spare []*arena
}

var hosts = &hostCache{hosts: make(map[uintptr]*Host)}

// acquire returns the shared host for mod and takes a reference.
func (c *hostCache) acquire(mod *rtlayout.Module, layout rtlayout.Layout, arch asm.Arch) *Host {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.hosts[mod.ID()]; ok {
		h.refs++
		return h
	}

	h := newHost(mod, layout, arch, c.arenaLocked(), true)
	h.refs = 1
	c.hosts[mod.ID()] = h
	return h
}

// private returns a host that isn't shared.
func (c *hostCache) private(mod *rtlayout.Module, layout rtlayout.Layout, arch asm.Arch) *Host {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := newHost(mod, layout, arch, c.arenaLocked(), false)
	h.refs = 1
	return h
}

// release drops a reference. The last reference disposes the host while
// the lock is held, so no one can pick it up halfway through.
func (c *hostCache) release(h *Host) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.refs == 0 {
		return
	}
	h.refs--
	if h.refs > 0 {
		return
	}

	if h.shared && c.hosts[h.module.ID()] == h {
		delete(c.hosts, h.module.ID())
	}

	h.disposals++
	h.mu.Lock()
	h.slots, h.block, h.used = nil, nil, 0
	h.mu.Unlock()

	c.recycleLocked(h.arena)
}

// arena returns an arena for a private container.
func (c *hostCache) arena() *arena {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arenaLocked()
}

func (c *hostCache) recycle(a *arena) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recycleLocked(a)
}

func (c *hostCache) arenaLocked() *arena {
	if n := len(c.spare); n > 0 {
		a := c.spare[n-1]
		c.spare = c.spare[:n-1]
		return a
	}
	return &arena{}
}

func (c *hostCache) recycleLocked(a *arena) {
	if err := a.Reset(); err != nil {
		logging.Logger("dmd").Warn("dropping arena", "err", err)
		return
	}
	c.spare = append(c.spare, a)
}

// lookup returns the cached host for a module ID.
func (c *hostCache) lookup(id uintptr) *Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hosts[id]
}
