package task

import "taskos/pkg/mm"

// TrapReturn is where a fresh task context resumes: the trap return path
// that enters user mode through the trampoline.
const TrapReturn = mm.Trampoline

// Context is the kernel execution state saved by a context switch: the
// return address, the kernel stack pointer and the callee-saved registers.
type Context struct {
	RA uint64
	SP uint64
	S  [12]uint64
}

// GotoTrapReturn returns the context of a task that has not run yet.
func GotoTrapReturn(kstackTop uint64) Context {
	return Context{RA: TrapReturn, SP: kstackTop}
}
