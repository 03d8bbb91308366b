// Package syscalls dispatches system calls from the trapped user task.
//
// Every handler validates its arguments, translates user pointers against
// the caller's address space and returns a signed result: non-negative on
// success, abi.ErrGeneric or abi.ErrWouldBlock on failure. Errors returned
// alongside the result come from the scheduler and are for the trap loop,
// never for user space.
package syscalls

import (
	"log/slog"

	"taskos/pkg/abi"
	"taskos/pkg/fs"
	"taskos/pkg/klog"
	"taskos/pkg/sched"
	"taskos/pkg/task"
)

// handler implements one system call for the task that trapped.
type handler func(d *Dispatcher, t *task.ControlBlock, args [3]uint64) (int64, error)

var handlers = map[uint64]handler{
	abi.SysUnlinkat:    (*Dispatcher).unlinkat,
	abi.SysLinkat:      (*Dispatcher).linkat,
	abi.SysOpen:        (*Dispatcher).open,
	abi.SysClose:       (*Dispatcher).close,
	abi.SysRead:        (*Dispatcher).read,
	abi.SysWrite:       (*Dispatcher).write,
	abi.SysFstat:       (*Dispatcher).fstat,
	abi.SysExit:        (*Dispatcher).exit,
	abi.SysYield:       (*Dispatcher).yield,
	abi.SysSetPriority: (*Dispatcher).setPriority,
	abi.SysGetTime:     (*Dispatcher).getTime,
	abi.SysGetpid:      (*Dispatcher).getpid,
	abi.SysSbrk:        (*Dispatcher).sbrk,
	abi.SysMunmap:      (*Dispatcher).munmap,
	abi.SysFork:        (*Dispatcher).fork,
	abi.SysExec:        (*Dispatcher).exec,
	abi.SysMmap:        (*Dispatcher).mmap,
	abi.SysWaitpid:     (*Dispatcher).waitpid,
	abi.SysSpawn:       (*Dispatcher).spawn,
	abi.SysTaskInfo:    (*Dispatcher).taskInfo,
}

// Name returns the name of a system call number.
func Name(id uint64) string {
	switch id {
	case abi.SysUnlinkat:
		return "unlinkat"
	case abi.SysLinkat:
		return "linkat"
	case abi.SysOpen:
		return "open"
	case abi.SysClose:
		return "close"
	case abi.SysRead:
		return "read"
	case abi.SysWrite:
		return "write"
	case abi.SysFstat:
		return "fstat"
	case abi.SysExit:
		return "exit"
	case abi.SysYield:
		return "yield"
	case abi.SysSetPriority:
		return "set_priority"
	case abi.SysGetTime:
		return "get_time"
	case abi.SysGetpid:
		return "getpid"
	case abi.SysSbrk:
		return "sbrk"
	case abi.SysMunmap:
		return "munmap"
	case abi.SysFork:
		return "fork"
	case abi.SysExec:
		return "exec"
	case abi.SysMmap:
		return "mmap"
	case abi.SysWaitpid:
		return "waitpid"
	case abi.SysSpawn:
		return "spawn"
	case abi.SysTaskInfo:
		return "task_info"
	default:
		return "unknown"
	}
}

// Dispatcher routes system calls to the task table, the scheduler and the
// filesystem.
type Dispatcher struct {
	sched  *sched.Scheduler
	table  *task.Table
	root   fs.FileSystem
	logger *slog.Logger
}

// New creates a dispatcher.
func New(s *sched.Scheduler, table *task.Table, root fs.FileSystem, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sched:  s,
		table:  table,
		root:   root,
		logger: klog.Component(logger, "syscall"),
	}
}

// Dispatch runs system call id for the current task. The call is counted
// before it runs. Unknown calls return abi.ErrGeneric.
func (d *Dispatcher) Dispatch(id uint64, args [3]uint64) (int64, error) {
	t := d.sched.Current()
	if t == nil {
		return 0, sched.ErrNoCurrent
	}

	g := t.Borrow()
	g.Get().CountSyscall(id)
	g.Release()

	h, ok := handlers[id]
	if !ok {
		d.logger.Warn("unsupported syscall", "pid", t.PID(), "id", id)
		return abi.ErrGeneric, nil
	}
	d.logger.Debug(Name(id), "pid", t.PID(), "a0", args[0], "a1", args[1], "a2", args[2])
	return h(d, t, args)
}
