// Package asm assembles programs for the simulated hart and links them into
// ELF executables.
//
// Code is emitted through a Builder. Branch and jump targets are labels that
// may be defined before or after use; data objects live in a separate
// read-write segment placed on the page after the code.
package asm

import (
	"debug/elf"
	"errors"
	"fmt"

	"taskos/pkg/hart"
	"taskos/pkg/image"
)

// TextBase is the load address of the code segment.
const TextBase = 0x10000

const pageSize = 0x1000

var (
	ErrUndefinedLabel = errors.New("asm: undefined label")
	ErrDuplicateLabel = errors.New("asm: duplicate label")
	ErrOutOfReach     = errors.New("asm: target out of reach")
)

// Register names.
const (
	Zero = 0
	RA   = 1
	SP   = 2
	T0   = 5
	T1   = 6
	T2   = 7
	S0   = 8
	S1   = 9
	A0   = 10
	A1   = 11
	A2   = 12
	A3   = 13
	A7   = 17
	S2   = 18
	S3   = 19
	S4   = 20
	S5   = 21
	T3   = 28
	T4   = 29
)

type fixupKind uint8

const (
	// fixupRelative patches a pc-relative branch offset.
	fixupRelative fixupKind = iota
	// fixupAbsolute patches an absolute address loaded with li.
	fixupAbsolute
)

type fixup struct {
	index int
	label string
	kind  fixupKind
}

type dataObject struct {
	name  string
	bytes []byte
}

// Builder accumulates instructions, labels and data objects.
type Builder struct {
	text   []hart.Inst
	labels map[string]int
	fixups []fixup
	data   []dataObject
	errs   []error
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{labels: make(map[string]int)}
}

func (b *Builder) emit(i hart.Inst) *Builder {
	b.text = append(b.text, i)
	return b
}

// Emit appends an already encoded instruction.
func (b *Builder) Emit(i hart.Inst) *Builder {
	return b.emit(i)
}

func (b *Builder) emitRef(i hart.Inst, label string, kind fixupKind) *Builder {
	b.fixups = append(b.fixups, fixup{index: len(b.text), label: label, kind: kind})
	return b.emit(i)
}

// Label defines a code label at the next instruction.
func (b *Builder) Label(name string) *Builder {
	if _, ok := b.labels[name]; ok || b.dataIndex(name) >= 0 {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateLabel, name))
		return b
	}
	b.labels[name] = len(b.text)
	return b
}

func (b *Builder) Li(rd uint8, imm int32) *Builder {
	return b.emit(hart.Inst{Op: hart.OpLI, Rd: rd, Imm: imm})
}

func (b *Builder) Mv(rd, rs uint8) *Builder {
	return b.Addi(rd, rs, 0)
}

func (b *Builder) Add(rd, rs1, rs2 uint8) *Builder {
	return b.emit(hart.Inst{Op: hart.OpADD, Rd: rd, Rs1: rs1, Rs2: rs2})
}

func (b *Builder) Sub(rd, rs1, rs2 uint8) *Builder {
	return b.emit(hart.Inst{Op: hart.OpSUB, Rd: rd, Rs1: rs1, Rs2: rs2})
}

func (b *Builder) Addi(rd, rs1 uint8, imm int32) *Builder {
	return b.emit(hart.Inst{Op: hart.OpADDI, Rd: rd, Rs1: rs1, Imm: imm})
}

func (b *Builder) Slli(rd, rs1 uint8, shift int32) *Builder {
	return b.emit(hart.Inst{Op: hart.OpSLLI, Rd: rd, Rs1: rs1, Imm: shift})
}

func (b *Builder) Ld(rd, base uint8, off int32) *Builder {
	return b.emit(hart.Inst{Op: hart.OpLD, Rd: rd, Rs1: base, Imm: off})
}

func (b *Builder) Sd(rs, base uint8, off int32) *Builder {
	return b.emit(hart.Inst{Op: hart.OpSD, Rs1: base, Rs2: rs, Imm: off})
}

func (b *Builder) Lw(rd, base uint8, off int32) *Builder {
	return b.emit(hart.Inst{Op: hart.OpLW, Rd: rd, Rs1: base, Imm: off})
}

func (b *Builder) Sw(rs, base uint8, off int32) *Builder {
	return b.emit(hart.Inst{Op: hart.OpSW, Rs1: base, Rs2: rs, Imm: off})
}

func (b *Builder) Lbu(rd, base uint8, off int32) *Builder {
	return b.emit(hart.Inst{Op: hart.OpLBU, Rd: rd, Rs1: base, Imm: off})
}

func (b *Builder) Sb(rs, base uint8, off int32) *Builder {
	return b.emit(hart.Inst{Op: hart.OpSB, Rs1: base, Rs2: rs, Imm: off})
}

func (b *Builder) branch(op hart.Op, rs1, rs2 uint8, label string) *Builder {
	return b.emitRef(hart.Inst{Op: op, Rs1: rs1, Rs2: rs2}, label, fixupRelative)
}

func (b *Builder) Beq(rs1, rs2 uint8, label string) *Builder {
	return b.branch(hart.OpBEQ, rs1, rs2, label)
}

func (b *Builder) Bne(rs1, rs2 uint8, label string) *Builder {
	return b.branch(hart.OpBNE, rs1, rs2, label)
}

func (b *Builder) Blt(rs1, rs2 uint8, label string) *Builder {
	return b.branch(hart.OpBLT, rs1, rs2, label)
}

func (b *Builder) Bge(rs1, rs2 uint8, label string) *Builder {
	return b.branch(hart.OpBGE, rs1, rs2, label)
}

// J jumps to label.
func (b *Builder) J(label string) *Builder {
	return b.emitRef(hart.Inst{Op: hart.OpJAL, Rd: Zero}, label, fixupRelative)
}

// Call jumps to label, leaving the return address in ra.
func (b *Builder) Call(label string) *Builder {
	return b.emitRef(hart.Inst{Op: hart.OpJAL, Rd: RA}, label, fixupRelative)
}

// Ret returns to the address in ra.
func (b *Builder) Ret() *Builder {
	return b.emit(hart.Inst{Op: hart.OpJALR, Rd: Zero, Rs1: RA})
}

// La loads the absolute address of a code label or data object.
func (b *Builder) La(rd uint8, label string) *Builder {
	return b.emitRef(hart.Inst{Op: hart.OpLI, Rd: rd}, label, fixupAbsolute)
}

func (b *Builder) Ecall() *Builder {
	return b.emit(hart.Inst{Op: hart.OpECALL})
}

// Syscall loads the syscall number into a7 and traps.
func (b *Builder) Syscall(num int32) *Builder {
	return b.Li(A7, num).Ecall()
}

// Raw emits an undecodable instruction word.
func (b *Builder) Raw(op uint8) *Builder {
	return b.emit(hart.Inst{Op: hart.Op(op)})
}

func (b *Builder) dataIndex(name string) int {
	for i, d := range b.data {
		if d.name == name {
			return i
		}
	}
	return -1
}

// Data defines a named data object holding a copy of bytes.
func (b *Builder) Data(name string, bytes []byte) *Builder {
	if _, ok := b.labels[name]; ok || b.dataIndex(name) >= 0 {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateLabel, name))
		return b
	}
	b.data = append(b.data, dataObject{name: name, bytes: append([]byte(nil), bytes...)})
	return b
}

// String defines a NUL terminated string object.
func (b *Builder) String(name, s string) *Builder {
	return b.Data(name, append([]byte(s), 0))
}

// Space defines a zero-filled object of n bytes.
func (b *Builder) Space(name string, n int) *Builder {
	return b.Data(name, make([]byte, n))
}

// layout returns the data segment base and the address of every symbol.
func (b *Builder) layout() (uint64, map[string]uint64) {
	textEnd := uint64(TextBase + len(b.text)*hart.InstSize)
	dataBase := (textEnd + pageSize - 1) &^ (pageSize - 1)

	syms := make(map[string]uint64, len(b.labels)+len(b.data))
	for name, idx := range b.labels {
		syms[name] = uint64(TextBase + idx*hart.InstSize)
	}
	off := dataBase
	for _, d := range b.data {
		syms[d.name] = off
		// Keep 64-bit objects naturally aligned.
		off += (uint64(len(d.bytes)) + 7) &^ 7
	}
	return dataBase, syms
}

// Link resolves labels and returns the program as an ELF executable whose
// entry point is the first instruction.
func (b *Builder) Link() ([]byte, error) {
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	if len(b.text) == 0 {
		return nil, errors.New("asm: empty program")
	}

	dataBase, syms := b.layout()
	text := append([]hart.Inst(nil), b.text...)
	for _, f := range b.fixups {
		target, ok := syms[f.label]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndefinedLabel, f.label)
		}
		v := int64(target)
		if f.kind == fixupRelative {
			v -= int64(TextBase + f.index*hart.InstSize)
		}
		if v != int64(int32(v)) {
			return nil, fmt.Errorf("%w: %s", ErrOutOfReach, f.label)
		}
		text[f.index].Imm = int32(v)
	}

	code := make([]byte, 0, len(text)*hart.InstSize)
	for _, inst := range text {
		enc := inst.Encode()
		code = append(code, enc[:]...)
	}
	segments := []image.Segment{{Vaddr: TextBase, Flags: elf.PF_R | elf.PF_X, Data: code}}

	if len(b.data) > 0 {
		var data []byte
		for _, d := range b.data {
			data = append(data, d.bytes...)
			for len(data)%8 != 0 {
				data = append(data, 0)
			}
		}
		segments = append(segments, image.Segment{Vaddr: dataBase, Flags: elf.PF_R | elf.PF_W, Data: data})
	}
	return image.Build(TextBase, segments...)
}

// MustLink is like Link but panics on error. It is meant for programs built
// from constant code.
func (b *Builder) MustLink() []byte {
	raw, err := b.Link()
	if err != nil {
		panic(err)
	}
	return raw
}
