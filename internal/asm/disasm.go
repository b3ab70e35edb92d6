package asm

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Disassemble renders code as a listing, one instruction per line. Bytes
// that don't decode are shown as "?".
func Disassemble(arch Arch, code []byte, base uintptr) string {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		text, n := arch.disassemble(code[i:])
		if n <= 0 {
			n = 1
		}
		n = min(n, len(code)-i)
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", base+uintptr(i), hex.EncodeToString(code[i:i+n]), text)
		i += n
	}

	return buf.String()
}

// Listing renders the decoded body at its current offsets.
func (b *Body) Listing() string {
	var buf bytes.Buffer
	for _, in := range b.Insts {
		fmt.Fprintf(&buf, "%4d\t%-6s\t%s", in.Offset, in.Operand.Kind, in.text)
		if in.Operand.Target != nil {
			fmt.Fprintf(&buf, "\t-> %d", in.Operand.Target.Offset)
		} else if in.Operand.External() {
			fmt.Fprintf(&buf, "\t-> %#x", in.Operand.Addr)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}
