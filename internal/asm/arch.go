package asm

import (
	"fmt"
	"runtime"
)

// Arch is an instruction set.
type Arch interface {
	Name() string

	// PtrSize is the width of an import slot.
	PtrSize() int

	// ThunkSize is the length of the sequence written by Thunk.
	ThunkSize() int

	// Thunk returns code that loads the function value stored in cell and
	// jumps to its code pointer with the closure context register set, the
	// same way the compiler calls a func value.
	Thunk(cell uintptr) []byte

	trim(code []byte) []byte
	decode(code []byte, base uintptr) ([]*Inst, error)
	sizeOf(in *Inst, f form) int
	maxSize(in *Inst) int
	choose(b *Body, in *Inst, imp Importer, shrink bool) (form, error)
	encode(b *Body, in *Inst, dst []byte, imp Importer) error
	disassemble(code []byte) (text string, size int)
}

var (
	AMD64 Arch = amd64{}
	ARM64 Arch = arm64{}
)

// ForName returns the Arch for a GOARCH value.
func ForName(goarch string) (Arch, error) {
	switch goarch {
	case "amd64":
		return AMD64, nil
	case "arm64":
		return ARM64, nil
	}
	return nil, fmt.Errorf("%w: architecture %s", ErrUnsupportedOperand, goarch)
}

// Native returns the Arch of the running process.
func Native() (Arch, error) {
	return ForName(runtime.GOARCH)
}

// class groups instructions by how their operand is moved.
type class uint8

const (
	classPlain class = iota
	classJmp
	classJcc
	classCall

	// classFixed branches can't change form (JRCXZ, LOOP, arm64 branches).
	classFixed

	classAddr
	classLEA
)

// form is the encoding chosen by Layout. Forms are ordered by size so that
// growth can be expressed as max.
type form uint8

const (
	formRaw form = iota
	formShort
	formNear
	formImport
)
