package dmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/xxh3"
)

// DumpExt is the file extension of dump artifacts.
const DumpExt = ".dmd"

const dumpVersion = 1

// Dump is the debug record of one generated method.
type Dump struct {
	Version   int          `cbor:"1,keyasint"`
	Tag       string       `cbor:"2,keyasint"`
	Symbol    string       `cbor:"3,keyasint"`
	Arch      string       `cbor:"4,keyasint"`
	GoVersion string       `cbor:"5,keyasint"`
	Backend   string       `cbor:"6,keyasint"`
	Base      uint64       `cbor:"7,keyasint"`
	Entry     uint64       `cbor:"8,keyasint"`
	Source    []byte       `cbor:"9,keyasint"`
	Code      []byte       `cbor:"10,keyasint"`
	Externals []DumpRef    `cbor:"11,keyasint,omitempty"`
	Regions   []DumpRegion `cbor:"12,keyasint,omitempty"`
}

// DumpRef is an operand that leaves the body.
type DumpRef struct {
	Offset int    `cbor:"1,keyasint"`
	Kind   string `cbor:"2,keyasint"`
	Target uint64 `cbor:"3,keyasint"`
	Symbol string `cbor:"4,keyasint,omitempty"`
}

// DumpRegion is a region with its bounds as offsets in the generated code.
type DumpRegion struct {
	Kind         string `cbor:"1,keyasint"`
	TryStart     int    `cbor:"2,keyasint"`
	TryEnd       int    `cbor:"3,keyasint"`
	HandlerStart int    `cbor:"4,keyasint"`
	HandlerEnd   int    `cbor:"5,keyasint"`
}

var dumpEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dmd: failed to create CBOR enc mode: %v", err))
	}
	dumpEncMode = em
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// DumpName returns the file name of a dump. The hash covers the symbol and
// the source code, so the same binary gives the same name on every run.
func DumpName(tag, symbol string, source []byte) string {
	h := xxh3.New()
	h.WriteString(symbol)
	h.Write(source)

	name := strings.Trim(unsafeChars.ReplaceAllString(symbol, "_"), "_.")
	if tag == "" {
		tag = "dmd"
	}
	return fmt.Sprintf("%s-%s-%016x%s", tag, name, h.Sum64(), DumpExt)
}

func newDump(m *Method, g *Generated) *Dump {
	d := &Dump{
		Version:   dumpVersion,
		Tag:       m.opts.Tag,
		Symbol:    m.src.Func.Name,
		Arch:      m.body.Arch.Name(),
		GoVersion: runtime.Version(),
		Backend:   string(g.Backend),
		Base:      uint64(m.src.Func.Entry),
		Entry:     uint64(g.Entry),
		Source:    m.src.Code,
		Code:      g.Code,
	}

	for _, in := range m.body.Externals() {
		ref := DumpRef{
			Offset: in.Offset,
			Kind:   in.Operand.Kind.String(),
			Target: uint64(in.Operand.Addr),
		}
		if f, ok := m.host.layout.FindFunc(in.Operand.Addr); ok && f.Entry == in.Operand.Addr {
			ref.Symbol = f.Name
		}
		d.Externals = append(d.Externals, ref)
	}

	for _, r := range g.Regions {
		d.Regions = append(d.Regions, DumpRegion{
			Kind:         r.Kind.String(),
			TryStart:     r.TryStart.Offset,
			TryEnd:       r.TryEnd.Offset,
			HandlerStart: r.HandlerStart.Offset,
			HandlerEnd:   r.HandlerEnd.Offset,
		})
	}

	return d
}

// WriteDump writes d to dir and returns the path.
func WriteDump(dir string, d *Dump) (string, error) {
	data, err := dumpEncMode.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("dmd: marshal dump: %w", err)
	}

	path := filepath.Join(dir, DumpName(d.Tag, d.Symbol, d.Source))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ReadDump reads a dump artifact.
func ReadDump(path string) (*Dump, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var d Dump
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("dmd: unmarshal dump %s: %w", path, err)
	}
	if d.Version != dumpVersion {
		return nil, fmt.Errorf("dmd: %s: unknown dump version %d", path, d.Version)
	}
	return &d, nil
}
