package syscalls

import (
	"taskos/pkg/abi"
	"taskos/pkg/fd"
	"taskos/pkg/mm"
	"taskos/pkg/task"
)

// handle returns a new holder of descriptor n together with the caller's
// address space. The task guard is released before returning.
func handle(t *task.ControlBlock, n uint64) (*fd.Handle, *mm.MemorySet, error) {
	g := t.Borrow()
	defer g.Release()
	in := g.Get()
	h, err := in.Files.Get(int(n))
	if err != nil {
		return nil, nil, err
	}
	return h, in.Space, nil
}

// space returns the caller's address space.
func space(t *task.ControlBlock) *mm.MemorySet {
	g := t.Borrow()
	defer g.Release()
	return g.Get().Space
}

// userString reads a NUL terminated string from the caller.
func userString(t *task.ControlBlock, ptr uint64) (string, error) {
	return mm.TranslatedStr(space(t), ptr)
}

func (d *Dispatcher) write(t *task.ControlBlock, args [3]uint64) (int64, error) {
	h, ms, err := handle(t, args[0])
	if err != nil {
		return abi.ErrGeneric, nil
	}
	defer h.Release()
	if !h.Writable() {
		return abi.ErrGeneric, nil
	}

	bufs, err := mm.TranslatedByteBuffer(ms, args[1], args[2])
	if err != nil {
		return abi.ErrGeneric, nil
	}
	n, err := h.File().Write(mm.NewUserBuffer(bufs))
	if err != nil {
		return abi.ErrGeneric, nil
	}
	return int64(n), nil
}

func (d *Dispatcher) read(t *task.ControlBlock, args [3]uint64) (int64, error) {
	h, ms, err := handle(t, args[0])
	if err != nil {
		return abi.ErrGeneric, nil
	}
	defer h.Release()
	if !h.Readable() {
		return abi.ErrGeneric, nil
	}

	bufs, err := mm.TranslatedByteBuffer(ms, args[1], args[2])
	if err != nil {
		return abi.ErrGeneric, nil
	}
	n, err := h.File().Read(mm.NewUserBuffer(bufs))
	if err != nil {
		return abi.ErrGeneric, nil
	}
	return int64(n), nil
}

func (d *Dispatcher) open(t *task.ControlBlock, args [3]uint64) (int64, error) {
	path, err := userString(t, args[0])
	if err != nil {
		return abi.ErrGeneric, nil
	}
	flags := abi.OpenFlags(args[1])
	node, err := d.root.Open(path, flags)
	if err != nil {
		d.logger.Debug("open failed", "pid", t.PID(), "path", path, "error", err)
		return abi.ErrGeneric, nil
	}

	readable, writable := flags.ReadWrite()
	g := t.Borrow()
	defer g.Release()
	return int64(g.Get().Files.Install(fd.NewHandle(node, readable, writable))), nil
}

func (d *Dispatcher) close(t *task.ControlBlock, args [3]uint64) (int64, error) {
	g := t.Borrow()
	defer g.Release()
	if err := g.Get().Files.Close(int(args[0])); err != nil {
		return abi.ErrGeneric, nil
	}
	return 0, nil
}

func (d *Dispatcher) fstat(t *task.ControlBlock, args [3]uint64) (int64, error) {
	h, ms, err := handle(t, args[0])
	if err != nil {
		return abi.ErrGeneric, nil
	}
	defer h.Release()

	node, ok := h.Node()
	if !ok {
		return abi.ErrGeneric, nil
	}
	st := abi.Stat{
		Ino:   node.StorageID(),
		Mode:  abi.StatModeFile,
		Nlink: node.LinkCount(),
	}
	if node.IsDir() {
		st.Mode = abi.StatModeDir
	}
	if err := mm.WriteValue(ms, args[1], &st); err != nil {
		return abi.ErrGeneric, nil
	}
	return 0, nil
}

func (d *Dispatcher) linkat(t *task.ControlBlock, args [3]uint64) (int64, error) {
	oldPath, err := userString(t, args[0])
	if err != nil {
		return abi.ErrGeneric, nil
	}
	newPath, err := userString(t, args[1])
	if err != nil {
		return abi.ErrGeneric, nil
	}
	if oldPath == newPath {
		return abi.ErrGeneric, nil
	}
	if err := d.root.Link(oldPath, newPath); err != nil {
		return abi.ErrGeneric, nil
	}
	return 0, nil
}

func (d *Dispatcher) unlinkat(t *task.ControlBlock, args [3]uint64) (int64, error) {
	path, err := userString(t, args[0])
	if err != nil {
		return abi.ErrGeneric, nil
	}
	if err := d.root.Unlink(path); err != nil {
		return abi.ErrGeneric, nil
	}
	return 0, nil
}
