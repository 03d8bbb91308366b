package hart

import (
	"encoding/binary"
	"fmt"

	"taskos/pkg/mm"
)

// Cause identifies why user execution stopped.
type Cause uint8

const (
	// CauseSyscall is an ecall from user mode. Sepc points at the ecall.
	CauseSyscall Cause = iota + 1
	// CauseFetchFault is an instruction fetch from a page that is not
	// user-executable.
	CauseFetchFault
	// CauseLoadFault is a load from a page that is not user-readable.
	CauseLoadFault
	// CauseStoreFault is a store to a page that is not user-writable.
	CauseStoreFault
	// CauseIllegal is an undecodable instruction or a misaligned pc.
	CauseIllegal
	// CauseStepLimit is reported when the step budget runs out.
	CauseStepLimit
)

func (c Cause) String() string {
	switch c {
	case CauseSyscall:
		return "syscall"
	case CauseFetchFault:
		return "instruction page fault"
	case CauseLoadFault:
		return "load page fault"
	case CauseStoreFault:
		return "store page fault"
	case CauseIllegal:
		return "illegal instruction"
	case CauseStepLimit:
		return "step limit"
	default:
		return fmt.Sprintf("Cause(%d)", uint8(c))
	}
}

// PageFault returns true for the fetch, load and store fault causes.
func (c Cause) PageFault() bool {
	return c == CauseFetchFault || c == CauseLoadFault || c == CauseStoreFault
}

// Trap describes a transfer from user mode to the kernel.
type Trap struct {
	Cause Cause
	// Stval is the faulting address for page faults and the raw pc for
	// illegal instructions.
	Stval uint64
}

func (t Trap) String() string {
	return fmt.Sprintf("%s (stval %#x)", t.Cause, t.Stval)
}

// Hart interprets user code. A zero Hart runs without a step limit.
type Hart struct {
	// StepLimit bounds the instructions executed by one Run call. Zero
	// disables the limit.
	StepLimit int

	steps uint64
}

// Steps returns the total number of instructions executed.
func (h *Hart) Steps() uint64 {
	return h.steps
}

const (
	fetchFlags = mm.FlagValid | mm.FlagUser | mm.FlagExec
	loadFlags  = mm.FlagValid | mm.FlagUser | mm.FlagRead
	storeFlags = mm.FlagValid | mm.FlagUser | mm.FlagWrite
)

func accessSize(op Op) int {
	switch op {
	case OpLD, OpSD:
		return 8
	case OpLW, OpSW:
		return 4
	default:
		return 1
	}
}

func load(tr mm.Translator, addr uint64, n int) (uint64, bool) {
	bufs, err := mm.UserAccess(tr, addr, uint64(n), loadFlags)
	if err != nil {
		return 0, false
	}
	var raw [8]byte
	mm.GatherRead(raw[:n], bufs)
	return binary.LittleEndian.Uint64(raw[:]), true
}

func store(tr mm.Translator, addr uint64, n int, v uint64) bool {
	bufs, err := mm.UserAccess(tr, addr, uint64(n), storeFlags)
	if err != nil {
		return false
	}
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], v)
	mm.ScatterWrite(bufs, raw[:n])
	return true
}

// Run executes user instructions from tf.Sepc against the address space tr
// until a trap occurs. On return tf.Sepc holds the pc of the trapping
// instruction, or of the next instruction to run for CauseStepLimit.
func (h *Hart) Run(tf *TrapFrame, tr mm.Translator) Trap {
	x := &tf.X
	for n := 0; ; n++ {
		if h.StepLimit > 0 && n >= h.StepLimit {
			return Trap{Cause: CauseStepLimit, Stval: tf.Sepc}
		}

		pc := tf.Sepc
		if pc%InstSize != 0 {
			return Trap{Cause: CauseIllegal, Stval: pc}
		}
		bufs, err := mm.UserAccess(tr, pc, InstSize, fetchFlags)
		if err != nil {
			return Trap{Cause: CauseFetchFault, Stval: pc}
		}
		var raw [InstSize]byte
		mm.GatherRead(raw[:], bufs)
		inst := Decode(raw)
		h.steps++

		next := pc + InstSize
		imm := uint64(int64(inst.Imm))
		addr := x[inst.Rs1] + imm

		switch inst.Op {
		case OpLI:
			x[inst.Rd] = imm
		case OpADD:
			x[inst.Rd] = x[inst.Rs1] + x[inst.Rs2]
		case OpSUB:
			x[inst.Rd] = x[inst.Rs1] - x[inst.Rs2]
		case OpADDI:
			x[inst.Rd] = x[inst.Rs1] + imm
		case OpSLLI:
			x[inst.Rd] = x[inst.Rs1] << (imm & 63)
		case OpLD, OpLW, OpLBU:
			v, ok := load(tr, addr, accessSize(inst.Op))
			if !ok {
				return Trap{Cause: CauseLoadFault, Stval: addr}
			}
			if inst.Op == OpLW {
				v = uint64(int64(int32(v)))
			}
			x[inst.Rd] = v
		case OpSD, OpSW, OpSB:
			if !store(tr, addr, accessSize(inst.Op), x[inst.Rs2]) {
				return Trap{Cause: CauseStoreFault, Stval: addr}
			}
		case OpBEQ, OpBNE, OpBLT, OpBGE:
			a, b := x[inst.Rs1], x[inst.Rs2]
			var taken bool
			switch inst.Op {
			case OpBEQ:
				taken = a == b
			case OpBNE:
				taken = a != b
			case OpBLT:
				taken = int64(a) < int64(b)
			case OpBGE:
				taken = int64(a) >= int64(b)
			}
			if taken {
				next = pc + imm
			}
		case OpJAL:
			x[inst.Rd] = next
			next = pc + imm
		case OpJALR:
			target := addr
			x[inst.Rd] = next
			next = target
		case OpECALL:
			x[RegZero] = 0
			return Trap{Cause: CauseSyscall}
		default:
			return Trap{Cause: CauseIllegal, Stval: pc}
		}

		x[RegZero] = 0
		tf.Sepc = next
	}
}
