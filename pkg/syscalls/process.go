package syscalls

import (
	"errors"

	"taskos/pkg/abi"
	"taskos/pkg/mm"
	"taskos/pkg/task"
)

func (d *Dispatcher) exit(t *task.ControlBlock, args [3]uint64) (int64, error) {
	return 0, d.sched.ExitCurrent(int32(args[0]))
}

func (d *Dispatcher) yield(t *task.ControlBlock, args [3]uint64) (int64, error) {
	return 0, d.sched.YieldCurrent()
}

func (d *Dispatcher) getpid(t *task.ControlBlock, args [3]uint64) (int64, error) {
	return int64(t.PID()), nil
}

func (d *Dispatcher) fork(t *task.ControlBlock, args [3]uint64) (int64, error) {
	child, err := d.table.Fork(t)
	if err != nil {
		d.logger.Warn("fork failed", "pid", t.PID(), "error", err)
		return abi.ErrGeneric, nil
	}
	if err := d.sched.Add(child); err != nil {
		return abi.ErrGeneric, err
	}
	return int64(child.PID()), nil
}

// readImage returns the contents of the program at path.
func (d *Dispatcher) readImage(t *task.ControlBlock, ptr uint64) ([]byte, error) {
	path, err := userString(t, ptr)
	if err != nil {
		return nil, err
	}
	node, err := d.root.Open(path, abi.OpenRead)
	if err != nil {
		return nil, err
	}
	defer node.Close()
	return node.ReadAll()
}

func (d *Dispatcher) exec(t *task.ControlBlock, args [3]uint64) (int64, error) {
	image, err := d.readImage(t, args[0])
	if err != nil {
		return abi.ErrGeneric, nil
	}
	if err := d.table.Exec(t, image); err != nil {
		d.logger.Debug("exec failed", "pid", t.PID(), "error", err)
		return abi.ErrGeneric, nil
	}
	return 0, nil
}

func (d *Dispatcher) spawn(t *task.ControlBlock, args [3]uint64) (int64, error) {
	image, err := d.readImage(t, args[0])
	if err != nil {
		return abi.ErrGeneric, nil
	}
	child, err := d.table.Spawn(t, image)
	if err != nil {
		d.logger.Debug("spawn failed", "pid", t.PID(), "error", err)
		return abi.ErrGeneric, nil
	}
	if err := d.sched.Add(child); err != nil {
		return abi.ErrGeneric, err
	}
	return int64(child.PID()), nil
}

// waitpid reaps a child. A null code pointer discards the exit code; any
// other pointer is checked before a child is reaped.
func (d *Dispatcher) waitpid(t *task.ControlBlock, args [3]uint64) (int64, error) {
	ms := space(t)
	codePtr := args[1]
	if codePtr != 0 {
		if _, err := mm.TranslatedByteBuffer(ms, codePtr, 4); err != nil {
			return abi.ErrGeneric, nil
		}
	}

	pid, code, err := d.table.Wait(t, task.PID(int64(args[0])))
	switch {
	case errors.Is(err, task.ErrWouldBlock):
		return abi.ErrWouldBlock, nil
	case err != nil:
		return abi.ErrGeneric, nil
	}
	if codePtr != 0 {
		if err := mm.WriteValue(ms, codePtr, code); err != nil {
			return abi.ErrGeneric, nil
		}
	}
	return int64(pid), nil
}

func (d *Dispatcher) getTime(t *task.ControlBlock, args [3]uint64) (int64, error) {
	us := d.table.Now().UnixMicro()
	tv := abi.TimeVal{Sec: uint64(us / 1_000_000), Usec: uint64(us % 1_000_000)}
	if err := mm.WriteValue(space(t), args[0], &tv); err != nil {
		return abi.ErrGeneric, nil
	}
	return 0, nil
}

func (d *Dispatcher) taskInfo(t *task.ControlBlock, args [3]uint64) (int64, error) {
	g := t.Borrow()
	info := g.Get().Info(d.table.Now())
	ms := g.Get().Space
	g.Release()

	if err := mm.WriteValue(ms, args[0], &info); err != nil {
		return abi.ErrGeneric, nil
	}
	return 0, nil
}

func (d *Dispatcher) setPriority(t *task.ControlBlock, args [3]uint64) (int64, error) {
	prio := int64(args[0])
	g := t.Borrow()
	defer g.Release()
	if err := g.Get().SetPriority(prio); err != nil {
		return abi.ErrGeneric, nil
	}
	return prio, nil
}

func (d *Dispatcher) mmap(t *task.ControlBlock, args [3]uint64) (int64, error) {
	perm, err := mm.ParsePort(args[2])
	if err != nil {
		return abi.ErrGeneric, nil
	}
	g := t.Borrow()
	defer g.Release()
	if err := g.Get().Space.Mmap(args[0], args[1], perm); err != nil {
		d.logger.Debug("mmap failed", "pid", t.PID(), "error", err)
		return abi.ErrGeneric, nil
	}
	return 0, nil
}

func (d *Dispatcher) munmap(t *task.ControlBlock, args [3]uint64) (int64, error) {
	g := t.Borrow()
	defer g.Release()
	if err := g.Get().Space.Munmap(args[0], args[1]); err != nil {
		d.logger.Debug("munmap failed", "pid", t.PID(), "error", err)
		return abi.ErrGeneric, nil
	}
	return 0, nil
}

func (d *Dispatcher) sbrk(t *task.ControlBlock, args [3]uint64) (int64, error) {
	old, err := t.ChangeProgramBrk(int64(args[0]))
	if err != nil {
		return abi.ErrGeneric, nil
	}
	return int64(old), nil
}
