package task

import (
	"errors"
	"fmt"
	"time"

	"taskos/pkg/abi"
	"taskos/pkg/fd"
	"taskos/pkg/hart"
	"taskos/pkg/ksync"
	"taskos/pkg/mm"
)

// MinPriority is the lowest scheduling weight a task may request.
const MinPriority = 2

// NoParent is the parent of the init task.
const NoParent PID = -1

var (
	ErrBadPriority = errors.New("task: priority below minimum")
	ErrNoChild     = errors.New("task: no such child")
	ErrWouldBlock  = errors.New("task: child has not exited")
	ErrInitExists  = errors.New("task: init task already created")
)

// Inner is the mutable state of a task. It is only reachable through the
// task's cell.
type Inner struct {
	Status    Status
	Context   Context
	TrapFrame hart.TrapFrame
	Space     *mm.MemorySet
	Files     *fd.Table

	Parent   PID
	Children []PID
	ExitCode int32

	Priority     int64
	SyscallTimes [abi.MaxSyscallNum]uint64
	StartTime    time.Time

	HeapBottom uint64
	ProgramBrk uint64
}

// SetPriority updates the scheduling weight. Values below MinPriority are
// rejected and leave the weight unchanged.
func (in *Inner) SetPriority(prio int64) error {
	if prio < MinPriority {
		return fmt.Errorf("%w: %d", ErrBadPriority, prio)
	}
	in.Priority = prio
	return nil
}

// ChangeProgramBrk moves the program break by delta bytes and returns the
// previous break.
func (in *Inner) ChangeProgramBrk(delta int64) (uint64, error) {
	old := in.ProgramBrk
	brk, err := in.Space.ChangeBrk(in.HeapBottom, old, delta)
	if err != nil {
		return 0, err
	}
	in.ProgramBrk = brk
	return old, nil
}

// CountSyscall records one invocation of syscall id. Out of range ids are
// not counted.
func (in *Inner) CountSyscall(id uint64) {
	if id < abi.MaxSyscallNum {
		in.SyscallTimes[id]++
	}
}

// Info returns the task_info view of the task at time now.
func (in *Inner) Info(now time.Time) abi.TaskInfo {
	info := abi.TaskInfo{
		Status:       in.Status.ABI(),
		SyscallTimes: in.SyscallTimes,
	}
	if !in.StartTime.IsZero() {
		info.TimeMs = uint64(now.Sub(in.StartTime).Milliseconds())
	}
	return info
}

func (in *Inner) removeChild(pid PID) {
	for i, c := range in.Children {
		if c == pid {
			in.Children = append(in.Children[:i], in.Children[i+1:]...)
			return
		}
	}
}

// ControlBlock is a task. The PID, kernel stack and holder count are fixed
// or kernel managed; everything else lives in the cell.
type ControlBlock struct {
	pid    PID
	kstack KernelStack
	refs   int
	inner  *ksync.Cell[Inner]
}

func newControlBlock(pid PID, kstack KernelStack, in Inner) *ControlBlock {
	return &ControlBlock{pid: pid, kstack: kstack, refs: 1, inner: ksync.NewCell(in)}
}

// PID returns the task's process ID.
func (t *ControlBlock) PID() PID { return t.pid }

// KernelStack returns the task's kernel stack slot.
func (t *ControlBlock) KernelStack() KernelStack { return t.kstack }

// Borrow grants exclusive access to the task state. The guard must be
// released before entering the scheduler.
func (t *ControlBlock) Borrow() *ksync.Guard[Inner] {
	return t.inner.Borrow()
}

// Borrowed returns true while a guard on the task is outstanding.
func (t *ControlBlock) Borrowed() bool {
	return t.inner.Borrowed()
}

// Retain registers a new holder of the task.
func (t *ControlBlock) Retain() *ControlBlock {
	t.refs++
	return t
}

// Release drops one holder. Releasing more holds than exist panics.
func (t *ControlBlock) Release() {
	if t.refs <= 0 {
		panic(fmt.Sprintf("task: pid %d released with no holders", t.pid))
	}
	t.refs--
}

// Refs returns the number of holders: the parent's child list, the ready
// queue, the processor and syscall-local references.
func (t *ControlBlock) Refs() int { return t.refs }

// Status returns the current status. It borrows the task briefly.
func (t *ControlBlock) Status() Status {
	g := t.Borrow()
	defer g.Release()
	return g.Get().Status
}

// ChangeProgramBrk moves the task's program break by delta bytes and
// returns the previous break.
func (t *ControlBlock) ChangeProgramBrk(delta int64) (uint64, error) {
	g := t.Borrow()
	defer g.Release()
	return g.Get().ChangeProgramBrk(delta)
}

func (t *ControlBlock) String() string {
	return fmt.Sprintf("task(%d)", t.pid)
}
