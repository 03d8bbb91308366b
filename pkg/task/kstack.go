package task

import "taskos/pkg/mm"

// KernelStack is the kernel stack slot of one task. Slots are laid out
// downwards from the trampoline, each followed by an unmapped guard page.
type KernelStack struct {
	pid  PID
	size uint64
}

// NewKernelStack returns the stack slot for pid.
func NewKernelStack(pid PID, size uint64) KernelStack {
	return KernelStack{pid: pid, size: mm.RoundUp(size)}
}

// Position returns the bottom and top addresses of the stack.
func (k KernelStack) Position() (bottom, top uint64) {
	top = mm.Trampoline - uint64(k.pid)*(k.size+mm.PageSize)
	return top - k.size, top
}

// Top returns the initial kernel stack pointer.
func (k KernelStack) Top() uint64 {
	_, top := k.Position()
	return top
}
