package dmd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/pboyd/detour/internal/asm"
	"github.com/pboyd/detour/internal/config"
	"github.com/pboyd/detour/internal/platform"
)

// backend places a loaded method in executable memory.
type backend interface {
	kind() config.Generator
	generate(m *Method) (*Generated, error)
}

var defaultOrder = []config.Generator{
	config.GeneratorMemory,
	config.GeneratorBuilder,
	config.GeneratorModule,
}

// backendsFor returns the backends to try, best first. Debug mode puts the
// module backend first. Auto mode prefers the memory backend when arenas
// land near the text segment.
func backendsFor(cfg *config.Config, caps platform.Capabilities) []backend {
	first := cfg.Generator
	switch {
	case cfg.Debug:
		first = config.GeneratorModule
	case first == config.GeneratorAuto && caps.Arch == platform.ArchAMD64 && platform.ArenaFlags != 0:
		first = config.GeneratorMemory
	case first == config.GeneratorAuto:
		first = config.GeneratorModule
	}

	out := []backend{backendFor(first)}
	for _, g := range defaultOrder {
		if g != first {
			out = append(out, backendFor(g))
		}
	}
	return out
}

func backendFor(g config.Generator) backend {
	switch g {
	case config.GeneratorBuilder:
		return builderBackend{}
	case config.GeneratorModule:
		return moduleBackend{}
	}
	return memoryBackend{}
}

// canFallBack reports whether another backend might succeed where this one
// failed.
func canFallBack(err error) bool {
	return errors.Is(err, ErrBackendUnsupported) ||
		errors.Is(err, asm.ErrOutOfRange) ||
		errors.Is(err, platform.ErrUnavailable)
}

// memoryBackend copies the method into the host's shared arena. The copy
// goes away with the host.
type memoryBackend struct{}

func (memoryBackend) kind() config.Generator { return config.GeneratorMemory }

func (memoryBackend) generate(m *Method) (*Generated, error) {
	for _, r := range m.regions {
		if r.Kind == RegionFault || r.Kind == RegionFilter {
			return nil, fmt.Errorf("%w: %s regions", ErrBackendUnsupported, r.Kind)
		}
	}

	a := m.host.arena
	buf, code, err := cloneInto(m, a)
	if err != nil {
		return nil, err
	}

	return newGenerated(m, config.GeneratorMemory, code, func() error {
		if err := a.BeginMutate(); err != nil {
			return err
		}
		a.Free(buf)
		return a.EndMutate()
	}), nil
}

// builderBackend copies the method into an arena of its own and registers
// it for Symbolize.
type builderBackend struct{}

func (builderBackend) kind() config.Generator { return config.GeneratorBuilder }

func (builderBackend) generate(m *Method) (*Generated, error) {
	a := hosts.arena()

	_, code, err := cloneInto(m, a)
	if err != nil {
		hosts.recycle(a)
		return nil, err
	}

	register(m.src.Func.Name, code)

	return newGenerated(m, config.GeneratorBuilder, code, func() error {
		unregister(code)
		hosts.recycle(a)
		return nil
	}), nil
}

// cloneInto lays the body out in a fresh allocation from a. It returns the
// whole allocation and the part holding code.
func cloneInto(m *Method, a *arena) (buf, code []byte, err error) {
	// Import slots live in the host arena.
	if err := m.host.arena.BeginMutate(); err != nil {
		return nil, nil, err
	}
	defer func() {
		if endErr := m.host.arena.EndMutate(); endErr != nil && err == nil {
			err = endErr
		}
	}()

	if a != m.host.arena {
		if err := a.BeginMutate(); err != nil {
			return nil, nil, err
		}
		defer func() {
			if endErr := a.EndMutate(); endErr != nil && err == nil {
				err = endErr
			}
		}()
	}

	buf, err = a.Allocate(m.body.MaxSize())
	if err != nil {
		return nil, nil, err
	}

	encoded, err := layout(m, addrOf(buf), m.host)
	if err != nil {
		a.Free(buf)
		return nil, nil, err
	}

	code = buf[:len(encoded)]
	copy(code, encoded)
	return buf, code, nil
}

func layout(m *Method, dest uintptr, imp asm.Importer) ([]byte, error) {
	if err := m.body.Layout(dest, imp, asm.LayoutOptions{}); err != nil {
		return nil, err
	}
	return m.body.Encode(imp)
}

// moduleBackend builds a self-contained image, code followed by its own
// import table, writes it to a file and maps the file next to the source
// module's text.
type moduleBackend struct{}

func (moduleBackend) kind() config.Generator { return config.GeneratorModule }

func (moduleBackend) generate(m *Method) (*Generated, error) {
	ptr := m.body.Arch.PtrSize()
	codeSize := alignUp(m.body.MaxSize(), 16)
	size := codeSize + len(m.body.Externals())*ptr

	_, textEnd := m.src.Func.Module.Text()
	region, err := platform.MapNear(size, uintptr(alignUp(int(textEnd), os.Getpagesize())))
	if err != nil {
		return nil, err
	}

	unmap := func() error { return platform.Unmap(region) }

	imp := &imageImporter{
		table: region[codeSize:size],
		base:  addrOf(region) + uintptr(codeSize),
		ptr:   ptr,
		slots: make(map[uintptr]uintptr),
	}

	code, err := layout(m, addrOf(region), imp)
	if err != nil {
		unmap()
		return nil, err
	}
	copy(region, code)

	if err := mapImage(region); err != nil {
		unmap()
		return nil, err
	}

	return newGenerated(m, config.GeneratorModule, region[:len(code)], unmap), nil
}

// mapImage writes region to a file and maps the file over it. Hosts that
// can't map files executable get the region protected in place instead.
func mapImage(region []byte) error {
	f, err := os.CreateTemp("", "detour-*.img")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if _, err := f.Write(region); err != nil {
		return err
	}

	err = platform.MapFileOver(f, region)
	if errors.Is(err, platform.ErrUnavailable) {
		return platform.Protect(region, platform.RX)
	}
	return err
}

// imageImporter allocates import slots from the table at the end of an
// image.
type imageImporter struct {
	table []byte
	base  uintptr
	ptr   int
	used  int
	slots map[uintptr]uintptr
}

func (imp *imageImporter) Import(target uintptr) (uintptr, error) {
	if slot, ok := imp.slots[target]; ok {
		return slot, nil
	}
	if imp.used+imp.ptr > len(imp.table) {
		return 0, fmt.Errorf("%w: image import table is full", ErrBackendUnsupported)
	}

	binary.LittleEndian.PutUint64(imp.table[imp.used:], uint64(target))
	slot := imp.base + uintptr(imp.used)
	imp.used += imp.ptr
	imp.slots[target] = slot
	return slot, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}
