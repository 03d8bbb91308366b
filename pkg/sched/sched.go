// Package sched implements the single-core cooperative scheduler: the ready
// queue, the processor's current slot and the context switch between them.
package sched

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"

	"taskos/pkg/klog"
	"taskos/pkg/mm"
	"taskos/pkg/task"
)

var (
	// ErrIdle is returned when no task is ready to run.
	ErrIdle = errors.New("sched: no runnable task")
	// ErrNoCurrent is returned when an operation needs a running task and
	// the processor is idle.
	ErrNoCurrent = errors.New("sched: no current task")
	// ErrShutdown is returned once the init task has exited.
	ErrShutdown = errors.New("sched: init task exited")
)

// ShutdownError reports the exit of the init task and its exit code.
type ShutdownError struct {
	Code int32
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("%v with code %d", ErrShutdown, e.Code)
}

func (e *ShutdownError) Unwrap() error { return ErrShutdown }

// Processor is the single hart's view of the kernel: the task it runs and
// the idle context it returns to between tasks.
type Processor struct {
	current  *task.ControlBlock
	idle     task.Context
	regs     task.Context
	switches uint64
}

// switchContext saves the live kernel context into save and loads load.
func (p *Processor) switchContext(save, load *task.Context) {
	*save = p.regs
	p.regs = *load
}

// Current returns the running task without taking a hold.
func (p *Processor) Current() *task.ControlBlock {
	return p.current
}

// TakeCurrent empties the current slot and hands its hold to the caller.
func (p *Processor) TakeCurrent() *task.ControlBlock {
	t := p.current
	p.current = nil
	return t
}

// Scheduler owns the ready queue and the processor.
type Scheduler struct {
	table  *task.Table
	queue  readyQueue
	seq    uint64
	proc   Processor
	logger *slog.Logger
}

// New creates a scheduler for the tasks of table.
func New(table *task.Table, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		table:  table,
		logger: klog.Component(logger, "sched"),
	}
}

// Add marks t Ready and enqueues it. The queue takes over the caller's hold.
// Adding an exited task panics.
func (s *Scheduler) Add(t *task.ControlBlock) error {
	g := t.Borrow()
	in := g.Get()
	if in.IsZombie() {
		g.Release()
		panic(fmt.Sprintf("sched: %v has exited", t))
	}
	err := in.TransitionTo(task.StatusReady, s.table.Now())
	prio := in.Priority
	g.Release()
	if err != nil {
		return err
	}

	heap.Push(&s.queue, entry{task: t, prio: prio, seq: s.seq})
	s.seq++
	return nil
}

// RunNext dispatches the highest priority ready task. The processor must be
// idle.
func (s *Scheduler) RunNext() error {
	if s.proc.current != nil {
		panic(fmt.Sprintf("sched: processor busy with %v", s.proc.current))
	}
	if s.queue.Len() == 0 {
		return ErrIdle
	}
	next := heap.Pop(&s.queue).(entry).task

	g := next.Borrow()
	in := g.Get()
	if err := in.TransitionTo(task.StatusRunning, s.table.Now()); err != nil {
		g.Release()
		return err
	}
	ctx := in.Context
	g.Release()

	s.proc.switchContext(&s.proc.idle, &ctx)
	s.proc.switches++
	s.proc.current = next
	s.logger.Debug("dispatch", "pid", next.PID())
	return nil
}

// YieldCurrent moves the running task back to the ready queue and
// dispatches the next one, which may be the same task.
func (s *Scheduler) YieldCurrent() error {
	t := s.proc.TakeCurrent()
	if t == nil {
		return ErrNoCurrent
	}

	g := t.Borrow()
	in := g.Get()
	if err := in.TransitionTo(task.StatusReady, s.table.Now()); err != nil {
		g.Release()
		s.proc.current = t
		return err
	}
	s.proc.switchContext(&in.Context, &s.proc.idle)
	prio := in.Priority
	g.Release()

	heap.Push(&s.queue, entry{task: t, prio: prio, seq: s.seq})
	s.seq++
	return s.RunNext()
}

// ExitCurrent turns the running task into a zombie and dispatches the next
// task. The exited task is never resumed. When the init task exits the
// result is a *ShutdownError.
func (s *Scheduler) ExitCurrent(code int32) error {
	t := s.proc.TakeCurrent()
	if t == nil {
		return ErrNoCurrent
	}
	if err := s.table.Exit(t, code); err != nil {
		s.proc.current = t
		return err
	}

	var discarded task.Context
	s.proc.switchContext(&discarded, &s.proc.idle)
	t.Release()

	if t.PID() == task.InitPID {
		s.logger.Info("init task exited", "code", code, "switches", s.proc.switches)
		return &ShutdownError{Code: code}
	}
	return s.RunNext()
}

// Current returns the running task, or nil when the processor is idle.
func (s *Scheduler) Current() *task.ControlBlock {
	return s.proc.Current()
}

// CurrentSpace returns the address space of the running task.
func (s *Scheduler) CurrentSpace() *mm.MemorySet {
	t := s.proc.Current()
	if t == nil {
		return nil
	}
	g := t.Borrow()
	defer g.Release()
	return g.Get().Space
}

// Len returns the number of ready tasks.
func (s *Scheduler) Len() int {
	return s.queue.Len()
}

// Switches returns the number of dispatches performed.
func (s *Scheduler) Switches() uint64 {
	return s.proc.switches
}
