package dmd

import (
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/pboyd/detour/internal/rtlayout"
)

var errNoSymbols = errors.New("no symbol table")

type section struct {
	name string
	addr uint64
	size uint64
	r    io.ReaderAt
}

// image is an executable file opened for reading code.
type image struct {
	f        *os.File
	sections []section
	text     string

	loadSymbols func() (map[string]uint64, error)
	symOnce     sync.Once
	symbols     map[string]uint64
	symErr      error
}

var (
	exeOnce sync.Once
	exe     *image
	exeErr  error
)

// executable opens the running executable once and keeps it open.
func executable() (*image, error) {
	exeOnce.Do(func() {
		path, err := os.Executable()
		if err != nil {
			exeErr = err
			return
		}
		exe, exeErr = openImage(path, runtime.GOOS)
	})
	return exe, exeErr
}

func openImage(path, goos string) (*image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var img *image
	switch goos {
	case "darwin", "ios":
		img, err = openMachO(f)
	case "windows":
		img, err = openPE(f)
	default:
		img, err = openELF(f)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.f = f
	return img, nil
}

func openELF(f *os.File) (*image, error) {
	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, err
	}

	img := &image{text: ".text"}
	for _, s := range ef.Sections {
		if s.Type == elf.SHT_NOBITS || s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		img.sections = append(img.sections, section{name: s.Name, addr: s.Addr, size: s.Size, r: s})
	}

	img.loadSymbols = func() (map[string]uint64, error) {
		syms, err := ef.Symbols()
		if err != nil {
			return nil, err
		}
		m := make(map[string]uint64, len(syms))
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) == elf.STT_FUNC {
				m[s.Name] = s.Value
			}
		}
		return m, nil
	}
	return img, nil
}

func openMachO(f *os.File) (*image, error) {
	mf, err := macho.NewFile(f)
	if err != nil {
		return nil, err
	}

	img := &image{text: "__text"}
	for _, s := range mf.Sections {
		img.sections = append(img.sections, section{name: s.Name, addr: s.Addr, size: s.Size, r: s})
	}

	img.loadSymbols = func() (map[string]uint64, error) {
		if mf.Symtab == nil {
			return nil, errNoSymbols
		}
		m := make(map[string]uint64, len(mf.Symtab.Syms))
		for _, s := range mf.Symtab.Syms {
			m[s.Name] = s.Value
			if name, ok := strings.CutPrefix(s.Name, "_"); ok {
				if _, dup := m[name]; !dup {
					m[name] = s.Value
				}
			}
		}
		return m, nil
	}
	return img, nil
}

func openPE(f *os.File) (*image, error) {
	pf, err := pe.NewFile(f)
	if err != nil {
		return nil, err
	}

	var base uint64
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		base = oh.ImageBase
	case *pe.OptionalHeader32:
		base = uint64(oh.ImageBase)
	}

	img := &image{text: ".text"}
	for _, s := range pf.Sections {
		size := min(s.VirtualSize, s.Size)
		img.sections = append(img.sections, section{name: s.Name, addr: base + uint64(s.VirtualAddress), size: uint64(size), r: s})
	}

	img.loadSymbols = func() (map[string]uint64, error) {
		if len(pf.Symbols) == 0 {
			return nil, errNoSymbols
		}
		m := make(map[string]uint64, len(pf.Symbols))
		for _, s := range pf.Symbols {
			if s.SectionNumber <= 0 || int(s.SectionNumber) > len(pf.Sections) {
				continue
			}
			sec := pf.Sections[s.SectionNumber-1]
			m[s.Name] = base + uint64(sec.VirtualAddress) + uint64(s.Value)
		}
		return m, nil
	}
	return img, nil
}

func (img *image) symbol(name string) (uint64, error) {
	img.symOnce.Do(func() {
		img.symbols, img.symErr = img.loadSymbols()
	})
	if img.symErr != nil {
		return 0, img.symErr
	}
	addr, ok := img.symbols[name]
	if !ok {
		return 0, fmt.Errorf("symbol %s not found", name)
	}
	return addr, nil
}

// read reads up to size bytes at a file address. The read stops at the end
// of the section.
func (img *image) read(addr uint64, size int) ([]byte, error) {
	for _, s := range img.sections {
		if addr < s.addr || addr >= s.addr+s.size {
			continue
		}

		n := min(uint64(size), s.addr+s.size-addr)
		buf := make([]byte, n)
		read, err := s.r.ReadAt(buf, int64(addr-s.addr))
		if err != nil && !(errors.Is(err, io.EOF) && read == len(buf)) {
			return nil, fmt.Errorf("reading %s at %#x: %w", s.name, addr, err)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("no section contains %#x", addr)
}

// readBySymbol finds the function through the symbol table.
func (img *image) readBySymbol(f rtlayout.Func) ([]byte, error) {
	addr, err := img.symbol(f.Name)
	if err != nil {
		return nil, err
	}
	return img.read(addr, f.Size)
}

// readBySection finds the function by its distance from the start of the
// module's text, which matches the start of the text section.
func (img *image) readBySection(f rtlayout.Func) ([]byte, error) {
	var text *section
	for i := range img.sections {
		if img.sections[i].name == img.text {
			text = &img.sections[i]
			break
		}
	}
	if text == nil {
		return nil, fmt.Errorf("no %s section", img.text)
	}

	start, _ := f.Module.Text()
	return img.read(text.addr+uint64(f.Entry-start), f.Size)
}
