// Package kernel boots the simulated machine and runs the trap loop that
// drives user tasks on the hart.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"taskos/pkg/abi"
	"taskos/pkg/config"
	"taskos/pkg/fs"
	"taskos/pkg/hart"
	"taskos/pkg/klog"
	"taskos/pkg/mm"
	"taskos/pkg/sched"
	"taskos/pkg/syscalls"
	"taskos/pkg/task"
)

// Exit codes of tasks killed by the kernel.
const (
	ExitPageFault = -2
	ExitIllegal   = -3
)

var (
	// ErrRunaway is returned when a task runs past the step limit without
	// trapping.
	ErrRunaway = errors.New("kernel: task exceeded the step limit")
	// ErrDeadlock is returned when tasks remain but none can run.
	ErrDeadlock = errors.New("kernel: no runnable task before init exited")
)

// Options configures a Kernel.
type Options struct {
	Config *config.Config
	// Root holds the programs, the init task included.
	Root   fs.FileSystem
	Stdin  io.Reader
	Stdout io.Writer
	// Clock returns the current time. Nil means time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
}

// Kernel is a booted machine with its init task ready to run.
type Kernel struct {
	cfg     *config.Config
	machine *mm.Machine
	table   *task.Table
	sched   *sched.Scheduler
	disp    *syscalls.Dispatcher
	hart    hart.Hart
	logger  *slog.Logger
}

// Stats is a snapshot of kernel counters.
type Stats struct {
	Tasks      int
	Ready      int
	Switches   uint64
	Steps      uint64
	FreeFrames int
}

// New boots a kernel: it builds physical memory, loads the init program
// from the root filesystem and enqueues it.
func New(opts Options) (*Kernel, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := klog.Component(opts.Logger, "kernel")

	machine, err := mm.NewMachine(cfg.MemoryFrames)
	if err != nil {
		return nil, err
	}
	table := task.NewTable(machine, task.Options{
		UserStackSize:   cfg.UserStackSize,
		KernelStackSize: cfg.KernelStackSize,
		DefaultPriority: cfg.DefaultPriority,
		Stdin:           fs.NewStdin(opts.Stdin),
		Stdout:          fs.NewStdout(opts.Stdout),
		Clock:           opts.Clock,
		Logger:          opts.Logger,
	})
	s := sched.New(table, opts.Logger)

	image, err := readProgram(opts.Root, cfg.InitProc)
	if err != nil {
		return nil, fmt.Errorf("kernel: load %s: %w", cfg.InitProc, err)
	}
	initTask, err := table.NewInit(image)
	if err != nil {
		return nil, fmt.Errorf("kernel: load %s: %w", cfg.InitProc, err)
	}
	if err := s.Add(initTask); err != nil {
		return nil, err
	}

	logger.Info("booted", "frames", cfg.MemoryFrames, "free", machine.Frames.Available(), "init", cfg.InitProc)
	return &Kernel{
		cfg:     cfg,
		machine: machine,
		table:   table,
		sched:   s,
		disp:    syscalls.New(s, table, opts.Root, opts.Logger),
		hart:    hart.Hart{StepLimit: cfg.StepLimit},
		logger:  logger,
	}, nil
}

func readProgram(root fs.FileSystem, path string) ([]byte, error) {
	node, err := root.Open(path, abi.OpenRead)
	if err != nil {
		return nil, err
	}
	defer node.Close()
	return node.ReadAll()
}

// Run executes tasks until the init task exits and returns its exit code.
// It stops early when ctx is done.
func (k *Kernel) Run(ctx context.Context) (int32, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		cur := k.sched.Current()
		if cur == nil {
			if err := k.sched.RunNext(); err != nil {
				return 0, k.schedError(err)
			}
			continue
		}

		g := cur.Borrow()
		in := g.Get()
		trap := k.hart.Run(&in.TrapFrame, in.Space)
		g.Release()

		var err error
		switch {
		case trap.Cause == hart.CauseSyscall:
			err = k.syscall(cur)
		case trap.Cause.PageFault():
			k.logger.Warn("page fault, task killed", "pid", cur.PID(), "trap", trap.String())
			err = k.sched.ExitCurrent(ExitPageFault)
		case trap.Cause == hart.CauseIllegal:
			k.logger.Warn("illegal instruction, task killed", "pid", cur.PID(), "trap", trap.String())
			err = k.sched.ExitCurrent(ExitIllegal)
		case trap.Cause == hart.CauseStepLimit:
			return 0, fmt.Errorf("%w: pid %d at %#x", ErrRunaway, cur.PID(), trap.Stval)
		default:
			panic(fmt.Sprintf("kernel: unexpected trap %v", trap))
		}

		if err != nil {
			var shutdown *sched.ShutdownError
			if errors.As(err, &shutdown) {
				k.logger.Info("shutdown", "code", shutdown.Code, "switches", k.sched.Switches(), "steps", k.hart.Steps())
				return shutdown.Code, nil
			}
			return 0, k.schedError(err)
		}
	}
}

// syscall handles an ecall from cur. The result goes to the trapping task
// unless it exited.
func (k *Kernel) syscall(cur *task.ControlBlock) error {
	g := cur.Borrow()
	tf := &g.Get().TrapFrame
	tf.Sepc += hart.InstSize
	id, args := tf.Syscall()
	g.Release()

	ret, err := k.disp.Dispatch(id, args)

	g = cur.Borrow()
	if in := g.Get(); !in.IsZombie() {
		in.TrapFrame.SetReturn(ret)
	}
	g.Release()
	return err
}

func (k *Kernel) schedError(err error) error {
	if errors.Is(err, sched.ErrIdle) {
		return fmt.Errorf("%w: %d tasks left", ErrDeadlock, k.table.Len())
	}
	return err
}

// Stats returns the current kernel counters.
func (k *Kernel) Stats() Stats {
	return Stats{
		Tasks:      k.table.Len(),
		Ready:      k.sched.Len(),
		Switches:   k.sched.Switches(),
		Steps:      k.hart.Steps(),
		FreeFrames: k.machine.Frames.Available(),
	}
}

// Table returns the task table.
func (k *Kernel) Table() *task.Table {
	return k.table
}
