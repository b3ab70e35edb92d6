package asm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeJMPshort = 0xeb
	opcodeJMP      = 0xe9 // JMP rel32
	opcodeCALL     = 0xe8 // CALL rel32
	opcodeJccShort = 0x70
	opcodeTwoByte  = 0x0f
	opcodeJccNear  = 0x80 // second byte after 0x0f
	opcodeINT3     = 0xcc
	opcodeLEA      = 0x8d
	opcodeMOV_r_rm = 0x8b // MOV r, r/m
	opcodeIndirect = 0xff

	modrmCallRIP = 0x15 // FF /2 with RIP-relative address
	modrmJmpRIP  = 0x25 // FF /4 with RIP-relative address
)

type amd64 struct{}

func (amd64) Name() string   { return "amd64" }
func (amd64) PtrSize() int   { return 8 }
func (amd64) ThunkSize() int { return 15 }

// Thunk returns:
//
//	MOVQ $cell, DX
//	MOVQ (DX), DX
//	JMP (DX)
//
// DX is the closure context register, so the callee sees the func value it
// would have been called with.
func (amd64) Thunk(cell uintptr) []byte {
	buf := make([]byte, 15)
	buf[0], buf[1] = 0x48, 0xba
	binary.LittleEndian.PutUint64(buf[2:], uint64(cell))
	buf[10], buf[11], buf[12] = 0x48, 0x8b, 0x12
	buf[13], buf[14] = opcodeIndirect, 0x22
	return buf
}

// trim drops the INT3 padding the linker places between functions.
func (amd64) trim(code []byte) []byte {
	end := len(code)
	for end > 0 && code[end-1] == opcodeINT3 {
		end--
	}
	return code[:end]
}

func (a amd64) decode(code []byte, base uintptr) ([]*Inst, error) {
	var insts []*Inst

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: decode error at offset %d: %w", ErrUnsupportedOperand, i, err)
		}
		// x86asm reports a truncated instruction as a lone prefix byte
		// with no opcode.
		if instruction.Op == 0 || instruction.Len == 0 || i+instruction.Len > len(code) {
			return nil, fmt.Errorf("%w: truncated instruction at offset %d", ErrUnsupportedOperand, i)
		}

		in := &Inst{
			Offset:    i,
			Source:    i,
			Raw:       code[i : i+instruction.Len],
			text:      instruction.String(),
			rawTarget: -1,
			form:      formRaw,
			size:      instruction.Len,
		}

		if err := a.classify(in, instruction, len(code), base); err != nil {
			return nil, fmt.Errorf("offset %d (%s): %w", i, in.text, err)
		}

		insts = append(insts, in)
		i += instruction.Len
	}

	return insts, nil
}

func (amd64) classify(in *Inst, instruction x86asm.Inst, bodyLen int, base uintptr) error {
	next := in.Source + len(in.Raw)

	// The compiler only jumps through a register or computed address for a
	// switch jump table. The table holds absolute PCs in the original body.
	if instruction.Op == x86asm.JMP {
		switch arg := instruction.Args[0].(type) {
		case x86asm.Reg:
			return fmt.Errorf("%w: indirect jump through %s (jump table)", ErrUnsupportedOperand, arg)
		case x86asm.Mem:
			if arg.Base != x86asm.RIP {
				return fmt.Errorf("%w: indirect jump through %s (jump table)", ErrUnsupportedOperand, arg)
			}
		}
	}

	for _, arg := range instruction.Args {
		switch arg := arg.(type) {
		case x86asm.Rel:
			target := next + int(arg)
			in.Operand.Imm = int64(arg)

			raw := in.Raw
			switch {
			case raw[0] == opcodeJMPshort:
				in.class, in.form = classJmp, formShort
			case raw[0] == opcodeJMP:
				in.class, in.form = classJmp, formNear
			case raw[0]&0xf0 == opcodeJccShort:
				in.class, in.form, in.cond = classJcc, formShort, raw[0]&0xf
			case raw[0] == opcodeTwoByte && len(raw) == 6 && raw[1]&0xf0 == opcodeJccNear:
				in.class, in.form, in.cond = classJcc, formNear, raw[1]&0xf
			case raw[0] == opcodeCALL:
				in.class, in.form = classCall, formNear
			case raw[0] >= 0xe0 && raw[0] <= 0xe3:
				// LOOP, LOOPE, LOOPNE and JRCXZ only have a rel8 form.
				in.class, in.form = classFixed, formShort
			default:
				return fmt.Errorf("%w: relative branch %q", ErrUnsupportedOperand, instruction.Op)
			}

			if target >= 0 && target < bodyLen {
				in.Operand.Kind = KindBranch
				in.rawTarget = target
				return nil
			}

			if in.class == classFixed {
				return fmt.Errorf("%w: %s leaves the function", ErrUnsupportedOperand, instruction.Op)
			}

			in.Operand.Addr = base + uintptr(target)
			if in.class == classCall {
				in.Operand.Kind = KindCall
			} else {
				in.Operand.Kind = KindJump
			}
			return nil

		case x86asm.Mem:
			if arg.Base != x86asm.RIP {
				continue
			}
			if instruction.PCRel != 4 {
				return fmt.Errorf("%w: %d-byte RIP displacement", ErrUnsupportedOperand, instruction.PCRel)
			}

			// x86asm zero-extends the 32-bit displacement.
			disp := int64(int32(arg.Disp))

			in.Operand.Kind = KindAddr
			in.Operand.Imm = disp
			in.class = classAddr
			in.form = formNear
			in.pcRelOff = instruction.PCRelOff

			// REX, 8D, ModRM, disp32. RIP addressing never has a SIB byte.
			if instruction.Op == x86asm.LEA && in.pcRelOff >= 2 && in.Raw[in.pcRelOff-2] == opcodeLEA {
				in.class = classLEA
			}

			target := next + int(disp)
			if target >= 0 && target < bodyLen {
				in.rawTarget = target
			} else {
				in.Operand.Addr = base + uintptr(target)
			}
			return nil

		case x86asm.Imm:
			in.Operand.Kind = KindImm
			in.Operand.Imm = int64(arg)
		}
	}

	return nil
}

func (amd64) sizeOf(in *Inst, f form) int {
	switch in.class {
	case classJmp:
		switch f {
		case formShort:
			return 2
		case formNear:
			return 5
		case formImport:
			return 6
		}
	case classJcc:
		switch f {
		case formShort:
			return 2
		case formNear:
			return 6
		case formImport:
			// Inverted Jcc over an indirect JMP.
			return 2 + 6
		}
	case classCall:
		if f == formImport {
			return 6
		}
		return 5
	}
	return len(in.Raw)
}

func (a amd64) maxSize(in *Inst) int {
	switch in.class {
	case classJmp, classJcc, classCall:
		return a.sizeOf(in, formImport)
	}
	return len(in.Raw)
}

func (a amd64) choose(b *Body, in *Inst, imp Importer, shrink bool) (form, error) {
	switch in.class {
	case classPlain, classFixed:
		if in.class == classFixed {
			disp := a.disp(b, in, b.addrOf(in.Operand.Target), in.form)
			if !fitsInt8(disp) {
				return in.form, fmt.Errorf("%w: rel8 branch displacement %d", ErrOutOfRange, disp)
			}
		}
		return in.form, nil

	case classAddr, classLEA:
		if fitsInt32(a.disp(b, in, a.addrTarget(b, in), formNear)) {
			return formNear, nil
		}
		if in.class == classLEA && imp != nil {
			return formImport, nil
		}
		return in.form, fmt.Errorf("%w: RIP-relative reference to %#x", ErrOutOfRange, in.Operand.Addr)
	}

	want, err := a.branchForm(b, in, imp)
	if err != nil {
		return in.form, err
	}
	if !shrink && want < in.form {
		return in.form, nil
	}
	return want, nil
}

// branchForm returns the smallest form that reaches the target from the
// instruction's current offset.
func (a amd64) branchForm(b *Body, in *Inst, imp Importer) (form, error) {
	if in.Operand.Kind == KindBranch {
		target := b.addrOf(in.Operand.Target)
		if in.class != classCall && fitsInt8(a.disp(b, in, target, formShort)) {
			return formShort, nil
		}
		return formNear, nil
	}

	if fitsInt32(a.disp(b, in, in.Operand.Addr, formNear)) {
		return formNear, nil
	}
	if imp == nil {
		return formNear, fmt.Errorf("%w: %#x", ErrOutOfRange, in.Operand.Addr)
	}
	return formImport, nil
}

// disp is the displacement from the end of in, encoded with form f, to
// target.
func (a amd64) disp(b *Body, in *Inst, target uintptr, f form) int64 {
	return int64(target) - int64(b.addrOf(in)+uintptr(a.sizeOf(in, f)))
}

func (amd64) addrTarget(b *Body, in *Inst) uintptr {
	if in.Operand.Target != nil {
		return b.addrOf(in.Operand.Target)
	}
	return in.Operand.Addr
}

func (a amd64) encode(b *Body, in *Inst, dst []byte, imp Importer) error {
	switch in.class {
	case classPlain:
		copy(dst, in.Raw)
		return nil

	case classFixed:
		copy(dst, in.Raw)
		dst[len(dst)-1] = byte(int8(a.disp(b, in, b.addrOf(in.Operand.Target), in.form)))
		return nil

	case classAddr, classLEA:
		copy(dst, in.Raw)
		target := a.addrTarget(b, in)
		if in.form == formImport {
			slot, err := imp.Import(target)
			if err != nil {
				return err
			}
			target = slot
			dst[in.pcRelOff-2] = opcodeMOV_r_rm
		}
		disp := a.disp(b, in, target, in.form)
		if !fitsInt32(disp) {
			return fmt.Errorf("%w: RIP displacement %d", ErrOutOfRange, disp)
		}
		binary.LittleEndian.PutUint32(dst[in.pcRelOff:], uint32(int32(disp)))
		return nil
	}

	var target uintptr
	if in.Operand.Kind == KindBranch {
		target = b.addrOf(in.Operand.Target)
	} else {
		target = in.Operand.Addr
	}

	if in.form == formImport {
		slot, err := imp.Import(target)
		if err != nil {
			return err
		}
		return a.encodeImport(b, in, dst, slot)
	}

	disp := a.disp(b, in, target, in.form)

	switch {
	case in.class == classJmp && in.form == formShort:
		dst[0] = opcodeJMPshort
		dst[1] = byte(int8(disp))
	case in.class == classJmp:
		dst[0] = opcodeJMP
		binary.LittleEndian.PutUint32(dst[1:], uint32(int32(disp)))
	case in.class == classJcc && in.form == formShort:
		dst[0] = opcodeJccShort | in.cond
		dst[1] = byte(int8(disp))
	case in.class == classJcc:
		dst[0] = opcodeTwoByte
		dst[1] = opcodeJccNear | in.cond
		binary.LittleEndian.PutUint32(dst[2:], uint32(int32(disp)))
	case in.class == classCall:
		dst[0] = opcodeCALL
		binary.LittleEndian.PutUint32(dst[1:], uint32(int32(disp)))
	}

	return nil
}

// encodeImport writes an indirect call or jump through slot. A conditional
// jump becomes the inverted condition skipping over an indirect JMP.
func (amd64) encodeImport(b *Body, in *Inst, dst []byte, slot uintptr) error {
	end := b.addrOf(in) + uintptr(len(dst))
	disp := int64(slot) - int64(end)
	if !fitsInt32(disp) {
		return fmt.Errorf("%w: import slot %#x", ErrOutOfRange, slot)
	}

	switch in.class {
	case classCall:
		dst[0], dst[1] = opcodeIndirect, modrmCallRIP
	case classJmp:
		dst[0], dst[1] = opcodeIndirect, modrmJmpRIP
	case classJcc:
		dst[0] = opcodeJccShort | (in.cond ^ 1)
		dst[1] = 6
		dst = dst[2:]
		dst[0], dst[1] = opcodeIndirect, modrmJmpRIP
	}
	binary.LittleEndian.PutUint32(dst[2:], uint32(int32(disp)))
	return nil
}

func (amd64) disassemble(code []byte) (string, int) {
	instruction, err := x86asm.Decode(code, 64)
	if err != nil {
		return "?", 1
	}
	return instruction.String(), instruction.Len
}
