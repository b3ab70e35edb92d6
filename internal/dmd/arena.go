package dmd

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"

	"github.com/pboyd/detour/internal/platform"
)

// arenaStartSize is the initial size of an arena. The arena grows on
// demand.
const arenaStartSize = 64 << 10

// arena hands out executable memory. The memory is writable only between
// BeginMutate and EndMutate. Calls nest: the arena stays writable until
// the last writer ends.
type arena struct {
	*malloc.Arena
	protect  func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	mutable  bool
	writers  int

	// live holds every allocation so that Reset can free them.
	live map[uintptr][]byte
}

func (a *arena) init() error {
	var err error
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(platform.ArenaProt), malloc.MmapFlags(platform.ArenaFlags))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.protect = protBE.Protect
		} else {
			a.protect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(arenaStartSize), malloc.Backend(be))
		if a.Arena == nil {
			err = errors.New("unable to initialize arena")
			return
		}
		a.live = make(map[uintptr][]byte)
		a.mutable = true
	})
	return err
}

// BeginMutate makes the arena writable. It can be called before the first
// allocation.
func (a *arena) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.protect == nil || a.mutable {
		a.writers++
		return nil
	}

	err := a.protect(platform.RWX)
	if err == nil {
		a.mutable = true
		a.writers++
	}
	return err
}

// EndMutate flips the arena back to read-execute.
func (a *arena) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writers > 0 {
		a.writers--
	}
	if !a.mutable || a.protect == nil || a.writers > 0 {
		return nil
	}

	err := a.protect(platform.RX)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *arena) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(); err != nil {
		return nil, fmt.Errorf("error initializing arena: %w", err)
	}

	if !a.mutable {
		panic("Allocate called in immutable state")
	}

	buf, err := malloc.MallocSlice[byte](a.Arena, size)
	if err != nil {
		return nil, err
	}
	a.live[addrOf(buf)] = buf
	return buf, nil
}

func (a *arena) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		panic("Free called in immutable state")
	}

	if _, ok := a.live[addrOf(buf)]; !ok {
		return
	}
	delete(a.live, addrOf(buf))
	malloc.FreeSlice(a.Arena, buf)
}

// Reset frees every allocation. The arena stays mapped and can be reused.
func (a *arena) Reset() error {
	if err := a.BeginMutate(); err != nil {
		return err
	}
	defer a.EndMutate()

	a.mu.Lock()
	defer a.mu.Unlock()

	for addr, buf := range a.live {
		malloc.FreeSlice(a.Arena, buf)
		delete(a.live, addr)
	}
	return nil
}

// Contains reports whether pc is inside a live allocation.
func (a *arena) Contains(pc uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for addr, buf := range a.live {
		if pc >= addr && pc < addr+uintptr(len(buf)) {
			return true
		}
	}
	return false
}

// Len returns the number of live allocations.
func (a *arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

func addrOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}
