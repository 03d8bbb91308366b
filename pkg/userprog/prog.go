package userprog

import (
	"encoding/binary"
	"fmt"

	"taskos/pkg/abi"
	"taskos/pkg/hart/asm"
)

// prog wraps an assembler with the small runtime the built-in programs
// share: string output, integer output and exit.
type prog struct {
	*asm.Builder
	labels   int
	printInt bool
}

func newProg() *prog {
	return &prog{Builder: asm.New()}
}

// label returns a fresh label with the given prefix.
func (p *prog) label(prefix string) string {
	p.labels++
	return fmt.Sprintf("%s.%d", prefix, p.labels)
}

// print writes s to stdout. It clobbers a0-a2 and a7.
func (p *prog) print(s string) {
	name := p.label("str")
	p.Data(name, []byte(s))
	p.Li(asm.A0, abi.Stdout).La(asm.A1, name).Li(asm.A2, int32(len(s))).Syscall(abi.SysWrite)
}

// printReg writes the signed decimal value of reg to stdout. It clobbers
// the temporaries and a0-a3.
func (p *prog) printReg(reg uint8) {
	p.printInt = true
	p.Mv(asm.A0, reg).Call("printint")
}

func (p *prog) exit(code int32) {
	p.Li(asm.A0, code).Syscall(abi.SysExit)
}

// waitpid waits for the child in pidReg (any child for -1) and leaves the
// result of waitpid in a0, yielding while the child runs. The exit code is
// stored in the "code" object.
func (p *prog) waitpid(pidReg uint8) {
	loop, done := p.label("wait"), p.label("reaped")
	p.Label(loop).
		Mv(asm.A0, pidReg).La(asm.A1, "code").Syscall(abi.SysWaitpid).
		Li(asm.T0, abi.ErrWouldBlock).Bne(asm.A0, asm.T0, done).
		Syscall(abi.SysYield).
		J(loop).
		Label(done)
}

// link emits the shared routines and returns the executable.
func (p *prog) link() []byte {
	if p.printInt {
		p.emitPrintInt()
	}
	return p.MustLink()
}

// emitPrintInt emits printint: a0 holds the value, digits are produced by
// repeated subtraction of powers of ten.
func (p *prog) emitPrintInt() {
	pow := make([]byte, 0, 20*8)
	for v := uint64(1_000_000_000_000_000_000); v > 0; v /= 10 {
		pow = binary.LittleEndian.AppendUint64(pow, v)
	}
	pow = binary.LittleEndian.AppendUint64(pow, 0)
	p.Data("pow10", pow).Space("numbuf", 24)

	p.Label("printint").
		Mv(asm.T0, asm.A0).
		La(asm.T1, "numbuf").
		Mv(asm.T2, asm.T1).
		Bge(asm.T0, asm.Zero, "printint.abs").
		Li(asm.T3, '-').Sb(asm.T3, asm.T2, 0).Addi(asm.T2, asm.T2, 1).
		Sub(asm.T0, asm.Zero, asm.T0)
	p.Label("printint.abs").
		La(asm.T4, "pow10").
		Li(asm.A3, 0)
	p.Label("printint.power").
		Ld(asm.A1, asm.T4, 0).
		Beq(asm.A1, asm.Zero, "printint.out").
		Li(asm.A2, 0)
	p.Label("printint.digit").
		Blt(asm.T0, asm.A1, "printint.emit?").
		Sub(asm.T0, asm.T0, asm.A1).
		Addi(asm.A2, asm.A2, 1).
		J("printint.digit")
	p.Label("printint.emit?").
		Bne(asm.A2, asm.Zero, "printint.emit").
		Bne(asm.A3, asm.Zero, "printint.emit").
		Li(asm.T3, 1).
		Bne(asm.A1, asm.T3, "printint.next")
	p.Label("printint.emit").
		Li(asm.A3, 1).
		Addi(asm.A2, asm.A2, '0').
		Sb(asm.A2, asm.T2, 0).
		Addi(asm.T2, asm.T2, 1)
	p.Label("printint.next").
		Addi(asm.T4, asm.T4, 8).
		J("printint.power")
	p.Label("printint.out").
		Sub(asm.A2, asm.T2, asm.T1).
		Mv(asm.A1, asm.T1).
		Li(asm.A0, abi.Stdout).
		Syscall(abi.SysWrite).
		Ret()
}
