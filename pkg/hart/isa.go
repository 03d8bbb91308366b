package hart

import (
	"encoding/binary"
	"fmt"
)

// InstSize is the size in bytes of every encoded instruction.
const InstSize = 8

// Op is an opcode of the simulated instruction set.
type Op uint8

const (
	OpIllegal Op = iota
	OpLI         // rd = imm
	OpADD        // rd = rs1 + rs2
	OpSUB        // rd = rs1 - rs2
	OpADDI       // rd = rs1 + imm
	OpSLLI       // rd = rs1 << imm
	OpLD         // rd = mem64[rs1+imm]
	OpSD         // mem64[rs1+imm] = rs2
	OpLW         // rd = sext(mem32[rs1+imm])
	OpSW         // mem32[rs1+imm] = rs2
	OpLBU        // rd = mem8[rs1+imm]
	OpSB         // mem8[rs1+imm] = rs2
	OpBEQ        // if rs1 == rs2 { pc += imm }
	OpBNE        // if rs1 != rs2 { pc += imm }
	OpBLT        // if rs1 < rs2 (signed) { pc += imm }
	OpBGE        // if rs1 >= rs2 (signed) { pc += imm }
	OpJAL        // rd = pc + 8; pc += imm
	OpJALR       // rd = pc + 8; pc = rs1 + imm
	OpECALL      // trap to the kernel

	numOps
)

var opNames = [numOps]string{
	"illegal", "li", "add", "sub", "addi", "slli", "ld", "sd", "lw", "sw",
	"lbu", "sb", "beq", "bne", "blt", "bge", "jal", "jalr", "ecall",
}

func (op Op) String() string {
	if op < numOps {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Inst is a decoded instruction: [op][rd][rs1][rs2][imm int32, little endian].
type Inst struct {
	Op  Op
	Rd  uint8
	Rs1 uint8
	Rs2 uint8
	Imm int32
}

// Encode returns the machine encoding of the instruction.
func (i Inst) Encode() [InstSize]byte {
	var b [InstSize]byte
	b[0] = byte(i.Op)
	b[1] = i.Rd
	b[2] = i.Rs1
	b[3] = i.Rs2
	binary.LittleEndian.PutUint32(b[4:], uint32(i.Imm))
	return b
}

// Decode parses an encoded instruction. Unknown opcodes and register numbers
// above 31 decode to OpIllegal.
func Decode(b [InstSize]byte) Inst {
	i := Inst{
		Op:  Op(b[0]),
		Rd:  b[1],
		Rs1: b[2],
		Rs2: b[3],
		Imm: int32(binary.LittleEndian.Uint32(b[4:])),
	}
	if i.Op >= numOps || i.Rd > 31 || i.Rs1 > 31 || i.Rs2 > 31 {
		i.Op = OpIllegal
	}
	return i
}

func (i Inst) String() string {
	return fmt.Sprintf("%s x%d, x%d, x%d, %d", i.Op, i.Rd, i.Rs1, i.Rs2, i.Imm)
}
