package asm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// Every relative arm64 instruction is matched by (word & mask) == bits.
const (
	// -----------------------------------
	// | 000101 | ... 26 bit offset .... |
	// -----------------------------------
	_B     = uint32(5 << 26)
	_BMask = uint32(0xfc000000)

	// -----------------------------------
	// | 100101 | ... 26 bit offset .... |
	// -----------------------------------
	_BL = uint32(1<<31 | _B)

	_Bcond     = uint32(0x54000000)
	_BcondMask = uint32(0xff000010)

	_CBZ     = uint32(0x34000000) // also CBNZ
	_CBZMask = uint32(0x7e000000)

	_TBZ     = uint32(0x36000000) // also TBNZ
	_TBZMask = uint32(0x7e000000)

	// ADR/ADRP is encoded as:
	// --------------------------------------------------
	// | P | lo 2 bits | 10000 | hi 19 bits | 5-bit reg |
	// --------------------------------------------------
	_ADR     = uint32(0x10000000)
	_ADRP    = uint32(0x90000000)
	_ADRMask = uint32(0x9f000000)

	// Mask for the ADR/ADRP address:
	adrAddressMask = uint32(3<<29 | 0x7ffff<<5)

	// LDR (literal), LDRSW (literal) and PRFM (literal).
	_LDRlit     = uint32(0x18000000)
	_LDRlitMask = uint32(0x3b000000)
)

// BR Xn, the register is bits 5-9.
const (
	_BR     = uint32(0xd61f0000)
	_BRMask = uint32(0xfffffc1f)
)

// encoding is how an arm64 instruction stores its offset.
type encoding uint8

const (
	encNone  encoding = iota
	encImm26          // B, BL
	encImm19          // B.cond, CBZ, CBNZ, LDR literal
	encImm14          // TBZ, TBNZ
	encADR
	encADRP
)

type arm64 struct{}

func (arm64) Name() string   { return "arm64" }
func (arm64) PtrSize() int   { return 8 }
func (arm64) ThunkSize() int { return 24 }

// Thunk returns:
//
//	LDR  16(PC), R26
//	MOVD (R26), R26
//	MOVD (R26), R27
//	B    (R27)
//	<cell>
//
// R26 is the closure context register and R27 is reserved for the linker,
// so neither holds an argument.
func (arm64) Thunk(cell uintptr) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:], 0x5800009a)
	binary.LittleEndian.PutUint32(buf[4:], 0xf940035a)
	binary.LittleEndian.PutUint32(buf[8:], 0xf940035b)
	binary.LittleEndian.PutUint32(buf[12:], 0xd61f0360)
	binary.LittleEndian.PutUint64(buf[16:], uint64(cell))
	return buf
}

// trim drops the zero words the linker pads functions with, and any partial
// trailing word.
func (arm64) trim(code []byte) []byte {
	end := len(code) &^ 3
	for end >= 4 && binary.LittleEndian.Uint32(code[end-4:]) == 0 {
		end -= 4
	}
	return code[:end]
}

func (arm64) decode(code []byte, base uintptr) ([]*Inst, error) {
	insts := make([]*Inst, 0, len(code)/4)

	for i := 0; i < len(code); i += 4 {
		raw := code[i : i+4]

		instruction, err := arm64asm.Decode(raw)
		if err != nil {
			// Stop if the bad instruction was padding
			if bytes.Equal(raw, []byte{0, 0, 0, 0}) {
				break
			}
			return nil, fmt.Errorf("%w: decode error at offset %d %v: %w", ErrUnsupportedOperand, i, raw, err)
		}

		in := &Inst{
			Offset:    i,
			Source:    i,
			Raw:       raw,
			text:      instruction.String(),
			rawTarget: -1,
			form:      formRaw,
			size:      4,
		}

		word := binary.LittleEndian.Uint32(raw)
		if word&_BRMask == _BR {
			// BR only appears in compiled Go for switch jump tables.
			return nil, fmt.Errorf("%w: indirect jump at offset %d (jump table)", ErrUnsupportedOperand, i)
		}
		enc, cls := classifyARM64(word)
		if enc != encNone {
			in.class = cls
			in.cond = byte(enc)

			rel := arm64Offset(word, enc)
			in.Operand.Imm = rel

			pc := base + uintptr(i)
			var target int64
			if enc == encADRP {
				// Relative to the page of the instruction.
				target = int64(pc&^0xfff) + rel - int64(base)
			} else {
				target = int64(i) + rel
			}

			switch {
			case enc == encADRP:
				in.Operand.Kind = KindAddr
				in.Operand.Addr = base + uintptr(target)
			case target >= 0 && target < int64(len(code)) && cls != classAddr:
				in.Operand.Kind = KindBranch
				in.rawTarget = int(target)
			case cls == classAddr && target >= 0 && target < int64(len(code)):
				in.Operand.Kind = KindAddr
				in.rawTarget = int(target)
			case cls == classAddr:
				in.Operand.Kind = KindAddr
				in.Operand.Addr = base + uintptr(target)
			case cls == classCall:
				in.Operand.Kind = KindCall
				in.Operand.Addr = base + uintptr(target)
			default:
				in.Operand.Kind = KindJump
				in.Operand.Addr = base + uintptr(target)
			}
		}

		insts = append(insts, in)
	}

	return insts, nil
}

func classifyARM64(word uint32) (encoding, class) {
	switch {
	case word&_BMask == _B:
		return encImm26, classJmp
	case word&_BMask == _BL:
		return encImm26, classCall
	case word&_BcondMask == _Bcond,
		word&_CBZMask == _CBZ:
		return encImm19, classJcc
	case word&_TBZMask == _TBZ:
		return encImm14, classJcc
	case word&_ADRMask == _ADR:
		return encADR, classAddr
	case word&_ADRMask == _ADRP:
		return encADRP, classAddr
	case word&_LDRlitMask == _LDRlit:
		return encImm19, classAddr
	}
	return encNone, classPlain
}

// arm64Offset returns the byte offset encoded in word.
func arm64Offset(word uint32, enc encoding) int64 {
	switch enc {
	case encImm26:
		return signExtend(int64(word&(1<<26-1)), 26) << 2
	case encImm19:
		return signExtend(int64(word>>5&(1<<19-1)), 19) << 2
	case encImm14:
		return signExtend(int64(word>>5&(1<<14-1)), 14) << 2
	case encADR, encADRP:
		immhilo := int64(word>>5&(1<<19-1))<<2 | int64(word>>29&3)
		v := signExtend(immhilo, 21)
		if enc == encADRP {
			v <<= 12
		}
		return v
	}
	return 0
}

func signExtend(v int64, bits uint) int64 {
	shift := 64 - bits
	return v << shift >> shift
}

// withOffset returns word with its offset field replaced by off, or false
// if off doesn't fit.
func withOffset(word uint32, enc encoding, off int64) (uint32, bool) {
	switch enc {
	case encImm26, encImm19, encImm14:
		bits := immBits(enc)
		v := off >> 2
		if off&3 != 0 || v < -(1<<(bits-1)) || v >= 1<<(bits-1) {
			return 0, false
		}
		mask := uint32(1<<bits - 1)
		if enc == encImm26 {
			return word&^mask | uint32(v)&mask, true
		}
		return word&^(mask<<5) | (uint32(v)&mask)<<5, true

	case encADR, encADRP:
		v := off
		if enc == encADRP {
			v >>= 12
		}
		if v < -(1<<20) || v >= 1<<20 {
			return 0, false
		}
		p := uint32(v)
		encoded := word &^ adrAddressMask
		encoded |= (p & 3) << 29           // Lowest 2 bits to bits 30 and 29
		encoded |= (p >> 2 & 0x7ffff) << 5 // Highest 19 bits to bits 23 to 5
		return encoded, true
	}
	return word, true
}

func immBits(enc encoding) uint {
	switch enc {
	case encImm26:
		return 26
	case encImm19:
		return 19
	}
	return 14
}

func (arm64) sizeOf(in *Inst, f form) int { return 4 }
func (arm64) maxSize(in *Inst) int        { return 4 }

// choose only validates: every arm64 instruction has a single form.
func (a arm64) choose(b *Body, in *Inst, imp Importer, shrink bool) (form, error) {
	if in.class == classPlain {
		return in.form, nil
	}
	if _, ok := withOffset(0, encoding(in.cond), a.offset(b, in)); !ok {
		return in.form, fmt.Errorf("%w: %s to %#x from %#x", ErrOutOfRange, in.text, a.target(b, in), b.addrOf(in))
	}
	return in.form, nil
}

func (arm64) target(b *Body, in *Inst) uintptr {
	if in.Operand.Target != nil {
		return b.addrOf(in.Operand.Target)
	}
	return in.Operand.Addr
}

func (a arm64) offset(b *Body, in *Inst) int64 {
	pc := b.addrOf(in)
	target := a.target(b, in)
	if encoding(in.cond) == encADRP {
		// Page-align both addresses before computing the offset
		return int64(target&^0xfff) - int64(pc&^0xfff)
	}
	return int64(target) - int64(pc)
}

func (a arm64) encode(b *Body, in *Inst, dst []byte, imp Importer) error {
	word := binary.LittleEndian.Uint32(in.Raw)
	if in.class != classPlain {
		var ok bool
		word, ok = withOffset(word, encoding(in.cond), a.offset(b, in))
		if !ok {
			return fmt.Errorf("%w: %s", ErrOutOfRange, in.text)
		}
	}
	binary.LittleEndian.PutUint32(dst, word)
	return nil
}

func (arm64) disassemble(code []byte) (string, int) {
	if len(code) < 4 {
		return "?", len(code)
	}
	instruction, err := arm64asm.Decode(code)
	if err != nil {
		return "?", 4
	}
	return instruction.String(), 4
}
