// Package asm decodes function bodies into instructions, relinks their
// relative operands and encodes them again at a new address.
//
// Decoding happens in two passes. The first turns bytes into instructions
// and records branch destinations as raw offsets; the second replaces those
// offsets with pointers to the destination instruction. Encoding first runs
// Layout, which settles instruction sizes (short versus long branches,
// direct versus imported calls) before any bytes are written.
package asm

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnsupportedOperand means an instruction has an operand that can't
	// be moved to a new address.
	ErrUnsupportedOperand = errors.New("unsupported operand")

	// ErrDanglingBranch means a branch lands inside the body but not on an
	// instruction boundary.
	ErrDanglingBranch = errors.New("branch target is not an instruction")

	// ErrOutOfRange means a relative operand can't reach its target from the
	// new address.
	ErrOutOfRange = errors.New("relative target out of range")

	// ErrNotLaidOut is returned by Encode when Layout hasn't run.
	ErrNotLaidOut = errors.New("body has not been laid out")
)

// Kind tags an operand.
type Kind uint8

const (
	// KindNone is an instruction without operands worth tracking.
	KindNone Kind = iota

	// KindImm is an instruction with an immediate operand. It is copied as-is.
	KindImm

	// KindBranch is a branch to another instruction in the same body.
	KindBranch

	// KindCall is a call to a function outside the body.
	KindCall

	// KindJump is a jump (conditional or not) that leaves the body.
	KindJump

	// KindAddr is a PC-relative reference to data or code.
	KindAddr
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindImm:
		return "imm"
	case KindBranch:
		return "branch"
	case KindCall:
		return "call"
	case KindJump:
		return "jump"
	case KindAddr:
		return "addr"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Operand is the tagged operand of one instruction.
type Operand struct {
	Kind Kind

	// Imm holds the immediate for KindImm and the original relative
	// displacement for branches and PC-relative references.
	Imm int64

	// Target is the destination instruction of KindBranch, or of a KindAddr
	// that points back into the body.
	Target *Inst

	// Addr is the absolute destination of operands that leave the body. It
	// may be rewritten before Layout to relink the operand.
	Addr uintptr
}

// External reports whether the operand references something outside the
// body.
func (o Operand) External() bool {
	switch o.Kind {
	case KindCall, KindJump:
		return true
	case KindAddr:
		return o.Target == nil
	}
	return false
}

// Inst is one decoded instruction.
type Inst struct {
	// Offset is the byte offset of the instruction's first byte. Decode sets
	// it to the position in the source; Layout moves it.
	Offset int

	// Source is the offset in the decoded body. It never changes.
	Source int

	// Raw is the instruction as it was decoded.
	Raw []byte

	Operand Operand

	text string

	class class

	// cond is the x86 condition code of a Jcc, or the arm64 offset
	// encoding.
	cond byte

	pcRelOff  int
	rawTarget int

	form form
	size int
}

// Len returns the current encoded size.
func (in *Inst) Len() int {
	return in.size
}

func (in *Inst) String() string {
	return in.text
}

// Importer hands out indirection slots for targets that are too far away
// for a relative operand. A slot is a pointer-sized word that holds the
// absolute target address.
type Importer interface {
	Import(target uintptr) (slot uintptr, err error)
}

// LayoutOptions control relaxation.
type LayoutOptions struct {
	// Shrink allows branches to move to a shorter form. Without it forms
	// only grow, so an unmodified body encodes to its original bytes.
	Shrink bool
}

// After this many passes shrinking stops and forms may only grow, which
// guarantees the loop ends.
const maxShrinkPasses = 8

// Body is a decoded function body.
type Body struct {
	Arch  Arch
	Base  uintptr
	Insts []*Inst

	dest    uintptr
	laidOut bool
}

// Decode decodes code, which executes at base.
func Decode(arch Arch, code []byte, base uintptr) (*Body, error) {
	code = arch.trim(code)

	insts, err := arch.decode(code, base)
	if err != nil {
		return nil, err
	}

	b := &Body{
		Arch:  arch,
		Base:  base,
		Insts: insts,
	}

	if err := b.resolve(); err != nil {
		return nil, err
	}

	return b, nil
}

// resolve is the second pass: raw branch offsets become instructions.
// Offsets grow monotonically in decode order, so a binary search finds each
// target.
func (b *Body) resolve() error {
	for _, in := range b.Insts {
		if in.rawTarget < 0 {
			continue
		}

		target := b.Find(in.rawTarget)
		if target == nil {
			return fmt.Errorf("%w: %q at offset %d targets offset %d", ErrDanglingBranch, in.text, in.Source, in.rawTarget)
		}
		in.Operand.Target = target
		in.rawTarget = -1
	}
	return nil
}

// Find returns the instruction that starts at offset, or nil.
func (b *Body) Find(offset int) *Inst {
	i := sort.Search(len(b.Insts), func(i int) bool {
		return b.Insts[i].Offset >= offset
	})
	if i < len(b.Insts) && b.Insts[i].Offset == offset {
		return b.Insts[i]
	}
	return nil
}

// Size is the encoded size with the current forms.
func (b *Body) Size() int {
	if len(b.Insts) == 0 {
		return 0
	}
	last := b.Insts[len(b.Insts)-1]
	return last.Offset + last.size
}

// MaxSize is an upper bound for the encoded size at any address.
func (b *Body) MaxSize() int {
	n := 0
	for _, in := range b.Insts {
		n += b.Arch.maxSize(in)
	}
	return n
}

// Externals returns the instructions whose operand leaves the body.
func (b *Body) Externals() []*Inst {
	var out []*Inst
	for _, in := range b.Insts {
		if in.Operand.External() {
			out = append(out, in)
		}
	}
	return out
}

// Layout settles instruction sizes for encoding at dest. It recomputes
// every offset from the current forms, then picks new forms, and repeats
// until a full pass changes nothing.
func (b *Body) Layout(dest uintptr, imp Importer, opts LayoutOptions) error {
	b.dest = dest
	b.laidOut = false

	shrink := opts.Shrink
	for pass := 0; ; pass++ {
		if pass == maxShrinkPasses {
			shrink = false
		}

		b.assignOffsets()

		changed := false
		for _, in := range b.Insts {
			f, err := b.Arch.choose(b, in, imp, shrink)
			if err != nil {
				return fmt.Errorf("offset %d (%s): %w", in.Source, in.text, err)
			}
			if f != in.form {
				in.form = f
				in.size = b.Arch.sizeOf(in, f)
				changed = true
			}
		}

		if !changed {
			break
		}
	}

	b.laidOut = true
	return nil
}

func (b *Body) assignOffsets() {
	off := 0
	for _, in := range b.Insts {
		in.Offset = off
		off += in.size
	}
}

// Encode writes the body using the forms chosen by Layout.
func (b *Body) Encode(imp Importer) ([]byte, error) {
	if !b.laidOut {
		return nil, ErrNotLaidOut
	}

	buf := make([]byte, b.Size())
	for _, in := range b.Insts {
		err := b.Arch.encode(b, in, buf[in.Offset:in.Offset+in.size], imp)
		if err != nil {
			return nil, fmt.Errorf("encoding offset %d (%s): %w", in.Source, in.text, err)
		}
	}
	return buf, nil
}

// Dest returns the address passed to Layout.
func (b *Body) Dest() uintptr {
	return b.dest
}

// addrOf returns the address of in after layout.
func (b *Body) addrOf(in *Inst) uintptr {
	return b.dest + uintptr(in.Offset)
}

func fitsInt8(v int64) bool {
	return v >= -128 && v <= 127
}

func fitsInt32(v int64) bool {
	return v >= -(1<<31) && v < 1<<31
}
