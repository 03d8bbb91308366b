package task

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"taskos/pkg/fd"
	"taskos/pkg/fs"
	"taskos/pkg/hart"
	"taskos/pkg/klog"
	"taskos/pkg/mm"
)

// Options configures a Table.
type Options struct {
	// UserStackSize is the size of the user stack built by exec and spawn.
	UserStackSize uint64
	// KernelStackSize is the size of each kernel stack slot.
	KernelStackSize uint64
	// DefaultPriority is the weight of tasks built from an image.
	DefaultPriority int64
	// Stdin and Stdout back descriptors 0, 1 and 2 of the init task.
	Stdin  fs.File
	Stdout fs.File
	// Clock returns the current time. Nil means time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
}

// Table is the arena of live tasks indexed by PID. It records the process
// tree but does not hold tasks: holders are counted on each ControlBlock.
type Table struct {
	machine *mm.Machine
	opts    Options
	pids    *PIDAllocator
	tasks   map[PID]*ControlBlock
	logger  *slog.Logger
}

// NewTable creates an empty task table over the machine's memory.
func NewTable(m *mm.Machine, opts Options) *Table {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Table{
		machine: m,
		opts:    opts,
		pids:    NewPIDAllocator(),
		tasks:   make(map[PID]*ControlBlock),
		logger:  klog.Component(opts.Logger, "task"),
	}
}

// Now returns the table's clock reading.
func (tb *Table) Now() time.Time {
	return tb.opts.Clock()
}

// Machine returns the simulated hardware the tasks run on.
func (tb *Table) Machine() *mm.Machine {
	return tb.machine
}

// Get returns the task with the given PID. The table keeps no hold, so the
// caller must Retain the task to keep it beyond the current operation.
func (tb *Table) Get(pid PID) (*ControlBlock, bool) {
	t, ok := tb.tasks[pid]
	return t, ok
}

// Init returns the init task, if it has been created.
func (tb *Table) Init() (*ControlBlock, bool) {
	return tb.Get(InitPID)
}

// Len returns the number of tasks in the table, zombies included.
func (tb *Table) Len() int {
	return len(tb.tasks)
}

// PIDs returns the PIDs of every task in ascending order.
func (tb *Table) PIDs() []PID {
	pids := make([]PID, 0, len(tb.tasks))
	for pid := range tb.tasks {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// trapFrame returns the user entry trap frame of a task.
func trapFrame(layout mm.Layout, kstack KernelStack) hart.TrapFrame {
	return hart.AppInitContext(layout.Entry, layout.StackTop, 0, kstack.Top(), mm.Trampoline)
}

// fromImage builds a fresh task from a program image. The returned task
// carries one hold for the caller.
func (tb *Table) fromImage(image []byte, parent PID, files *fd.Table, prio int64) (*ControlBlock, error) {
	space, layout, err := mm.FromELF(tb.machine, image, tb.opts.UserStackSize)
	if err != nil {
		return nil, err
	}
	pid := tb.pids.Alloc()
	kstack := NewKernelStack(pid, tb.opts.KernelStackSize)
	t := newControlBlock(pid, kstack, Inner{
		Status:     StatusUnInit,
		Context:    GotoTrapReturn(kstack.Top()),
		TrapFrame:  trapFrame(layout, kstack),
		Space:      space,
		Files:      files,
		Parent:     parent,
		Priority:   prio,
		HeapBottom: layout.StackTop,
		ProgramBrk: layout.StackTop,
	})
	tb.tasks[pid] = t
	return t, nil
}

// NewInit creates the init task from a program image. It must be the
// first task of the table.
func (tb *Table) NewInit(image []byte) (*ControlBlock, error) {
	if tb.pids.InUse() != 0 {
		return nil, ErrInitExists
	}
	files := fd.NewTable(tb.opts.Stdin, tb.opts.Stdout)
	t, err := tb.fromImage(image, NoParent, files, tb.opts.DefaultPriority)
	if err != nil {
		files.Clear()
		return nil, err
	}
	tb.logger.Info("init task created", "pid", t.pid)
	return t, nil
}

// link records child under parent. The child list takes its own hold.
func link(pin *Inner, child *ControlBlock) {
	pin.Children = append(pin.Children, child.pid)
	child.Retain()
}

// Fork creates a copy of parent: a deep copy of its address space, shared
// descriptor handles and the same trap frame with a0 cleared. The child is
// linked under parent and returned with one hold for the caller.
func (tb *Table) Fork(parent *ControlBlock) (*ControlBlock, error) {
	g := parent.Borrow()
	defer g.Release()
	pin := g.Get()

	space, err := mm.FromExisted(pin.Space)
	if err != nil {
		return nil, fmt.Errorf("task: fork %d: %w", parent.pid, err)
	}

	pid := tb.pids.Alloc()
	kstack := NewKernelStack(pid, tb.opts.KernelStackSize)
	tf := pin.TrapFrame
	tf.KernelSp = kstack.Top()
	tf.SetReturn(0)

	child := newControlBlock(pid, kstack, Inner{
		Status:     StatusUnInit,
		Context:    GotoTrapReturn(kstack.Top()),
		TrapFrame:  tf,
		Space:      space,
		Files:      pin.Files.Fork(),
		Parent:     parent.pid,
		Priority:   pin.Priority,
		HeapBottom: pin.HeapBottom,
		ProgramBrk: pin.ProgramBrk,
	})
	tb.tasks[pid] = child
	link(pin, child)

	tb.logger.Debug("fork", "parent", parent.pid, "child", pid)
	return child, nil
}

// Exec replaces the address space and trap frame of t with a program built
// from image. On failure t is left unchanged. The PID and descriptors are
// kept.
func (tb *Table) Exec(t *ControlBlock, image []byte) error {
	space, layout, err := mm.FromELF(tb.machine, image, tb.opts.UserStackSize)
	if err != nil {
		return err
	}

	g := t.Borrow()
	defer g.Release()
	in := g.Get()

	old := in.Space
	in.Space = space
	old.Release()

	in.TrapFrame = trapFrame(layout, t.kstack)
	in.HeapBottom = layout.StackTop
	in.ProgramBrk = layout.StackTop

	tb.logger.Debug("exec", "pid", t.pid, "entry", fmt.Sprintf("%#x", layout.Entry))
	return nil
}

// Spawn creates a new child of parent running image, as if parent forked
// and the child immediately executed image. The parent's program never runs
// in the child.
func (tb *Table) Spawn(parent *ControlBlock, image []byte) (*ControlBlock, error) {
	g := parent.Borrow()
	defer g.Release()
	pin := g.Get()

	files := pin.Files.Fork()
	child, err := tb.fromImage(image, parent.pid, files, pin.Priority)
	if err != nil {
		files.Clear()
		return nil, err
	}
	link(pin, child)

	tb.logger.Debug("spawn", "parent", parent.pid, "child", child.pid)
	return child, nil
}

// Wait reaps an exited child of parent. AnyChild matches every child. It
// returns ErrNoChild when no child matches and ErrWouldBlock when matching
// children exist but none has exited. Wait never blocks.
func (tb *Table) Wait(parent *ControlBlock, pid PID) (PID, int32, error) {
	g := parent.Borrow()
	defer g.Release()
	pin := g.Get()

	found := false
	for _, c := range pin.Children {
		if pid != AnyChild && c != pid {
			continue
		}
		found = true

		child := tb.tasks[c]
		cg := child.Borrow()
		zombie, code := cg.Get().IsZombie(), cg.Get().ExitCode
		cg.Release()
		if !zombie {
			continue
		}

		pin.removeChild(c)
		if child.refs != 1 {
			panic(fmt.Sprintf("task: reaping pid %d with %d holders", c, child.refs))
		}
		child.Release()
		tb.reap(child)
		return c, code, nil
	}
	if !found {
		return 0, 0, ErrNoChild
	}
	return 0, 0, ErrWouldBlock
}

// reap frees everything a zombie still owns and forgets it.
func (tb *Table) reap(t *ControlBlock) {
	g := t.Borrow()
	g.Get().Space.Release()
	g.Release()

	delete(tb.tasks, t.pid)
	tb.pids.Dealloc(t.pid)
	tb.logger.Debug("reaped", "pid", t.pid)
}

// Exit turns the running task t into a zombie with the given exit code. Its
// children are adopted by the init task, its descriptors are closed and its
// user memory is freed. The page table survives until the parent reaps it.
func (tb *Table) Exit(t *ControlBlock, code int32) error {
	g := t.Borrow()
	defer g.Release()
	in := g.Get()

	if err := in.TransitionTo(StatusExited, tb.Now()); err != nil {
		return err
	}
	in.ExitCode = code

	if t.pid != InitPID && len(in.Children) > 0 {
		initTask, ok := tb.Init()
		if !ok {
			panic("task: orphans with no init task")
		}
		ig := initTask.Borrow()
		iin := ig.Get()
		for _, c := range in.Children {
			child := tb.tasks[c]
			cg := child.Borrow()
			cg.Get().Parent = InitPID
			cg.Release()
			iin.Children = append(iin.Children, c)
		}
		ig.Release()
		in.Children = nil
	}

	in.Files.Clear()
	in.Space.RecycleDataPages()

	tb.logger.Debug("exit", "pid", t.pid, "code", code)
	return nil
}
