package syscalls

import (
	"encoding/binary"
	"io"
	"slices"
	"testing"
	"time"

	"taskos/pkg/abi"
	"taskos/pkg/fs"
	"taskos/pkg/fs/memfs"
	"taskos/pkg/hart"
	"taskos/pkg/hart/asm"
	"taskos/pkg/mm"
	"taskos/pkg/sched"
	"taskos/pkg/task"
)

// scratch is a user range mapped read-write by newHarness.
const scratch = 0x100000

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t        *testing.T
	now      time.Time
	table    *task.Table
	sched    *sched.Scheduler
	root     *memfs.FS
	d        *Dispatcher
	initTask *task.ControlBlock
}

func exitProgram(code int32) []byte {
	b := asm.New()
	b.Li(asm.A0, code).Syscall(abi.SysExit)
	return b.MustLink()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m, err := mm.NewMachine(512)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{t: t, now: epoch, root: memfs.New()}
	h.table = task.NewTable(m, task.Options{
		UserStackSize:   2 * mm.PageSize,
		KernelStackSize: 2 * mm.PageSize,
		DefaultPriority: 16,
		Stdin:           fs.NewStdin(nil),
		Stdout:          fs.NewStdout(io.Discard),
		Clock:           func() time.Time { return h.now },
	})
	h.sched = sched.New(h.table, nil)
	h.d = New(h.sched, h.table, h.root, nil)

	h.initTask, err = h.table.NewInit(exitProgram(0))
	if err != nil {
		t.Fatal(err)
	}
	h.sched.Add(h.initTask)
	if err := h.sched.RunNext(); err != nil {
		t.Fatal(err)
	}
	if got := h.call(abi.SysMmap, scratch, 2*mm.PageSize, abi.PortRead|abi.PortWrite); got != 0 {
		t.Fatalf("mmap(scratch) = %d", got)
	}
	return h
}

// call dispatches a syscall and fails the test on scheduler errors.
func (h *harness) call(id uint64, args ...uint64) int64 {
	h.t.Helper()
	var a [3]uint64
	copy(a[:], args)
	ret, err := h.d.Dispatch(id, a)
	if err != nil {
		h.t.Fatalf("Dispatch(%s) error = %v", Name(id), err)
	}
	return ret
}

func (h *harness) space() *mm.MemorySet {
	return h.sched.CurrentSpace()
}

func (h *harness) poke(addr uint64, data []byte) {
	h.t.Helper()
	dst, err := mm.TranslatedByteBuffer(h.space(), addr, uint64(len(data)))
	if err != nil {
		h.t.Fatal(err)
	}
	mm.ScatterWrite(dst, data)
}

func (h *harness) peek(addr uint64, n int) []byte {
	h.t.Helper()
	src, err := mm.TranslatedByteBuffer(h.space(), addr, uint64(n))
	if err != nil {
		h.t.Fatal(err)
	}
	out := make([]byte, n)
	mm.GatherRead(out, src)
	return out
}

// str stores a NUL terminated string at addr and returns addr.
func (h *harness) str(addr uint64, s string) uint64 {
	h.poke(addr, append([]byte(s), 0))
	return addr
}

func (h *harness) children() []task.PID {
	g := h.initTask.Borrow()
	defer g.Release()
	return slices.Clone(g.Get().Children)
}

func TestUnknownSyscall(t *testing.T) {
	h := newHarness(t)
	if got := h.call(999); got != abi.ErrGeneric {
		t.Errorf("syscall 999 = %d, want %d", got, abi.ErrGeneric)
	}
	if got := h.call(abi.SysGetpid); got != 0 {
		t.Errorf("getpid() = %d, want 0", got)
	}

	info := h.taskInfo()
	if info.SyscallTimes[abi.SysGetpid] != 1 || info.SyscallTimes[abi.SysMmap] != 1 {
		t.Errorf("syscall counts: getpid %d, mmap %d", info.SyscallTimes[abi.SysGetpid], info.SyscallTimes[abi.SysMmap])
	}
	if info.SyscallTimes[abi.SysTaskInfo] != 1 {
		t.Errorf("task_info counted %d times, want 1 (counted before it runs)", info.SyscallTimes[abi.SysTaskInfo])
	}
}

func (h *harness) taskInfo() abi.TaskInfo {
	h.t.Helper()
	ptr := uint64(scratch + 0x100)
	if got := h.call(abi.SysTaskInfo, ptr); got != 0 {
		h.t.Fatalf("task_info() = %d", got)
	}
	var info abi.TaskInfo
	if err := mm.ReadValue(h.space(), ptr, &info); err != nil {
		h.t.Fatal(err)
	}
	return info
}

// TestMmapMunmap tests argument validation and the round trip property.
func TestMmapMunmap(t *testing.T) {
	const base = 0x200000
	tests := []struct {
		name   string
		start  uint64
		length uint64
		port   uint64
		want   int64
	}{
		{"one page", base, mm.PageSize, abi.PortRead, 0},
		{"rounded length", base, 10, abi.PortRead | abi.PortWrite, 0},
		{"rwx", base, 3 * mm.PageSize, abi.PortMask, 0},
		{"misaligned", base + 1, mm.PageSize, abi.PortRead, -1},
		{"zero port", base, mm.PageSize, 0, -1},
		{"unknown port bit", base, mm.PageSize, 0x8 | abi.PortRead, -1},
		{"overlaps scratch", scratch + mm.PageSize, mm.PageSize, abi.PortRead, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			before := h.space().Snapshot()

			if got := h.call(abi.SysMmap, tt.start, tt.length, tt.port); got != tt.want {
				t.Fatalf("mmap() = %d, want %d", got, tt.want)
			}
			if tt.want != 0 {
				if after := h.space().Snapshot(); !slices.Equal(before, after) {
					t.Error("rejected mmap() changed the mapping set")
				}
				return
			}
			if got := h.call(abi.SysMunmap, tt.start, tt.length); got != 0 {
				t.Fatalf("munmap() = %d, want 0", got)
			}
			if after := h.space().Snapshot(); !slices.Equal(before, after) {
				t.Errorf("mmap/munmap round trip changed the mapping set: %d pages, want %d", len(after), len(before))
			}
		})
	}
}

func TestMunmapRejects(t *testing.T) {
	h := newHarness(t)
	before := h.space().Snapshot()
	if got := h.call(abi.SysMunmap, scratch, 3*mm.PageSize); got != -1 {
		t.Errorf("munmap() past the mapping = %d, want -1", got)
	}
	if got := h.call(abi.SysMunmap, scratch+1, mm.PageSize); got != -1 {
		t.Errorf("munmap() misaligned = %d, want -1", got)
	}
	if !slices.Equal(before, h.space().Snapshot()) {
		t.Error("rejected munmap() changed the mapping set")
	}
}

func TestFork(t *testing.T) {
	h := newHarness(t)
	pid := h.call(abi.SysFork)
	if pid <= 0 {
		t.Fatalf("fork() = %d, want > 0", pid)
	}
	child, ok := h.table.Get(task.PID(pid))
	if !ok {
		t.Fatal("child not in the task table")
	}
	g := child.Borrow()
	a0 := g.Get().TrapFrame.X[hart.RegA0]
	g.Release()
	if a0 != 0 {
		t.Errorf("child a0 = %d, want 0", a0)
	}
	if child.Status() != task.StatusReady || h.sched.Len() != 1 {
		t.Errorf("child status %v, %d ready", child.Status(), h.sched.Len())
	}
}

// TestWaitpid tests reaping, the exit code and the would-block result.
func TestWaitpid(t *testing.T) {
	h := newHarness(t)
	codePtr := uint64(scratch + mm.PageSize - 2)

	pid := h.call(abi.SysFork)
	if got := h.call(abi.SysWaitpid, ^uint64(0), codePtr); got != abi.ErrWouldBlock {
		t.Fatalf("waitpid(-1) on running child = %d, want %d", got, abi.ErrWouldBlock)
	}
	if got := h.children(); !slices.Equal(got, []task.PID{task.PID(pid)}) {
		t.Fatalf("children after would-block = %v", got)
	}

	h.call(abi.SysYield)
	if h.sched.Current().PID() != task.PID(pid) {
		t.Fatalf("Current() = %v, want the child", h.sched.Current())
	}
	h.call(abi.SysExit, uint64(0xffffff00)) // -256 as i32
	if h.sched.Current() != h.initTask {
		t.Fatalf("Current() after child exit = %v", h.sched.Current())
	}

	if got := h.call(abi.SysWaitpid, ^uint64(0), codePtr); got != pid {
		t.Fatalf("waitpid(-1) = %d, want %d", got, pid)
	}
	code := int32(binary.LittleEndian.Uint32(h.peek(codePtr, 4)))
	if code != -256 {
		t.Errorf("exit code = %d, want -256", code)
	}
	if got := h.call(abi.SysWaitpid, ^uint64(0), codePtr); got != abi.ErrGeneric {
		t.Errorf("waitpid(-1) with no children = %d, want -1", got)
	}
}

func TestWaitpidBadPointerKeepsChild(t *testing.T) {
	h := newHarness(t)
	pid := h.call(abi.SysFork)
	h.call(abi.SysYield)
	h.call(abi.SysExit, 1)

	if got := h.call(abi.SysWaitpid, uint64(pid), 0x7000_0000); got != -1 {
		t.Errorf("waitpid() with unmapped code pointer = %d, want -1", got)
	}
	if got := h.call(abi.SysWaitpid, uint64(pid), 0); got != pid {
		t.Errorf("waitpid() with null code pointer = %d, want %d", got, pid)
	}
}

func TestLinkatSamePath(t *testing.T) {
	h := newHarness(t)
	p := h.str(scratch, "same")
	q := h.str(scratch+0x40, "same")

	if got := h.call(abi.SysLinkat, p, p); got != -1 {
		t.Errorf("linkat(p, p) on missing file = %d, want -1", got)
	}
	h.root.WriteFile("same", []byte("x"))
	if got := h.call(abi.SysLinkat, p, q); got != -1 {
		t.Errorf("linkat(p, p) on existing file = %d, want -1", got)
	}

	other := h.str(scratch+0x80, "other")
	if got := h.call(abi.SysLinkat, p, other); got != 0 {
		t.Errorf("linkat(same, other) = %d, want 0", got)
	}
	if got := h.call(abi.SysUnlinkat, other); got != 0 {
		t.Errorf("unlinkat(other) = %d, want 0", got)
	}
	if got := h.call(abi.SysUnlinkat, other); got != -1 {
		t.Errorf("second unlinkat(other) = %d, want -1", got)
	}
}

// TestFileRoundTrip tests open, write, close, reopen and read back.
func TestFileRoundTrip(t *testing.T) {
	h := newHarness(t)
	path := h.str(scratch, "notes")
	data := []byte("hello, file")
	buf := uint64(scratch + mm.PageSize - 4)
	h.poke(buf, data)

	fd := h.call(abi.SysOpen, path, uint64(abi.OpenCreate|abi.OpenWrite))
	if fd != 3 {
		t.Fatalf("open(create|write) = %d, want 3", fd)
	}
	if got := h.call(abi.SysRead, uint64(fd), buf, 4); got != -1 {
		t.Errorf("read() on write-only fd = %d, want -1", got)
	}
	if got := h.call(abi.SysWrite, uint64(fd), buf, uint64(len(data))); got != int64(len(data)) {
		t.Fatalf("write() = %d, want %d", got, len(data))
	}
	if got := h.call(abi.SysClose, uint64(fd)); got != 0 {
		t.Fatalf("close() = %d", got)
	}
	if got := h.call(abi.SysClose, uint64(fd)); got != -1 {
		t.Errorf("second close() = %d, want -1", got)
	}

	fd = h.call(abi.SysOpen, path, uint64(abi.OpenRead))
	if fd != 3 {
		t.Fatalf("open(read) = %d, want 3", fd)
	}
	out := uint64(scratch + 0x200)
	if got := h.call(abi.SysRead, uint64(fd), out, 64); got != int64(len(data)) {
		t.Fatalf("read() = %d, want %d", got, len(data))
	}
	if got := h.peek(out, len(data)); string(got) != string(data) {
		t.Errorf("read back %q, want %q", got, data)
	}
	if got := h.call(abi.SysWrite, uint64(fd), out, 1); got != -1 {
		t.Errorf("write() on read-only fd = %d, want -1", got)
	}
	if got := h.call(abi.SysOpen, h.str(scratch+0x40, "missing"), uint64(abi.OpenRead)); got != -1 {
		t.Errorf("open(missing) = %d, want -1", got)
	}
	if got := h.call(abi.SysWrite, 42, out, 1); got != -1 {
		t.Errorf("write(42) = %d, want -1", got)
	}
}

func TestFstat(t *testing.T) {
	h := newHarness(t)
	h.root.WriteFile("a", []byte("abc"))
	h.root.Link("a", "b")

	fd := h.call(abi.SysOpen, h.str(scratch, "a"), uint64(abi.OpenRead))
	st := uint64(scratch + mm.PageSize - 20)
	if got := h.call(abi.SysFstat, uint64(fd), st); got != 0 {
		t.Fatalf("fstat() = %d", got)
	}
	var stat abi.Stat
	if err := mm.ReadValue(h.space(), st, &stat); err != nil {
		t.Fatal(err)
	}
	if stat.Mode != abi.StatModeFile || stat.Nlink != 2 || stat.Ino == 0 {
		t.Errorf("fstat() = %+v", stat)
	}
	if got := h.call(abi.SysFstat, abi.Stdout, st); got != -1 {
		t.Errorf("fstat(stdout) = %d, want -1", got)
	}
	if got := h.call(abi.SysFstat, 17, st); got != -1 {
		t.Errorf("fstat(17) = %d, want -1", got)
	}
}

func TestSetPriority(t *testing.T) {
	h := newHarness(t)
	weight := func() int64 {
		g := h.initTask.Borrow()
		defer g.Release()
		return g.Get().Priority
	}

	if got := h.call(abi.SysSetPriority, 1); got != -1 {
		t.Errorf("set_priority(1) = %d, want -1", got)
	}
	if weight() != 16 {
		t.Errorf("weight after rejected set_priority = %d, want 16", weight())
	}
	if got := h.call(abi.SysSetPriority, ^uint64(0)); got != -1 {
		t.Errorf("set_priority(-1) = %d, want -1", got)
	}
	if got := h.call(abi.SysSetPriority, 5); got != 5 {
		t.Errorf("set_priority(5) = %d, want 5", got)
	}
	if weight() != 5 {
		t.Errorf("weight = %d, want 5", weight())
	}
}

// TestSbrk tests that growth and shrink return the previous break.
func TestSbrk(t *testing.T) {
	h := newHarness(t)
	orig := h.call(abi.SysSbrk, 0)
	if orig <= 0 {
		t.Fatalf("sbrk(0) = %d", orig)
	}
	if got := h.call(abi.SysSbrk, mm.PageSize); got != orig {
		t.Errorf("sbrk(+4096) = %#x, want %#x", got, orig)
	}
	h.poke(uint64(orig), []byte("heap"))
	shrink := -int64(mm.PageSize)
	if got := h.call(abi.SysSbrk, uint64(shrink)); got != orig+int64(mm.PageSize) {
		t.Errorf("sbrk(-4096) = %#x, want %#x", got, orig+int64(mm.PageSize))
	}
	if got := h.call(abi.SysSbrk, 0); got != orig {
		t.Errorf("break after round trip = %#x, want %#x", got, orig)
	}
	if got := h.call(abi.SysSbrk, ^uint64(0)); got != -1 {
		t.Errorf("sbrk(-1) below heap bottom = %d, want -1", got)
	}
}

func TestSbrkAfterMunmapOfHeap(t *testing.T) {
	h := newHarness(t)
	orig := h.call(abi.SysSbrk, 2*mm.PageSize)
	before := h.space().Snapshot()

	if got := h.call(abi.SysMunmap, uint64(orig), 2*mm.PageSize); got != -1 {
		t.Errorf("munmap() of the heap = %d, want -1", got)
	}
	if got := h.call(abi.SysSbrk, 0); got != orig+2*int64(mm.PageSize) {
		t.Errorf("sbrk(0) = %#x, want %#x", got, orig+2*int64(mm.PageSize))
	}
	if got := h.space().Snapshot(); !slices.Equal(got, before) {
		t.Error("sbrk(0) changed the mapping set")
	}
}

func TestGetTimeAndTaskInfo(t *testing.T) {
	h := newHarness(t)
	h.now = epoch.Add(2500 * time.Millisecond)

	tv := uint64(scratch + mm.PageSize - 12)
	if got := h.call(abi.SysGetTime, tv, 0); got != 0 {
		t.Fatalf("get_time() = %d", got)
	}
	var val abi.TimeVal
	mm.ReadValue(h.space(), tv, &val)
	want := h.now.UnixMicro()
	if int64(val.Sec) != want/1_000_000 || int64(val.Usec) != want%1_000_000 {
		t.Errorf("get_time() = %+v, want %d us", val, want)
	}
	if got := h.call(abi.SysGetTime, 0x7000_0000, 0); got != -1 {
		t.Errorf("get_time(unmapped) = %d, want -1", got)
	}

	info := h.taskInfo()
	if info.Status != abi.TaskRunning || info.TimeMs != 2500 {
		t.Errorf("task_info() status %d, time %d ms, want running, 2500", info.Status, info.TimeMs)
	}
}

func TestExecAndSpawn(t *testing.T) {
	h := newHarness(t)
	h.root.WriteFile("prog", exitProgram(4))
	h.root.WriteFile("junk", []byte("not a program"))

	for _, name := range []string{"missing", "junk"} {
		p := h.str(scratch+0x40, name)
		if got := h.call(abi.SysSpawn, p); got != -1 {
			t.Errorf("spawn(%s) = %d, want -1", name, got)
		}
		if got := h.call(abi.SysExec, p); got != -1 {
			t.Errorf("exec(%s) = %d, want -1", name, got)
		}
	}

	prog := h.str(scratch, "prog")
	pid := h.call(abi.SysSpawn, prog)
	if pid != 1 || h.sched.Len() != 1 {
		t.Errorf("spawn(prog) = %d with %d ready, want 1 with 1", pid, h.sched.Len())
	}

	if got := h.call(abi.SysExec, prog); got != 0 {
		t.Fatalf("exec(prog) = %d, want 0", got)
	}
	g := h.initTask.Borrow()
	defer g.Release()
	if g.Get().TrapFrame.Sepc != asm.TextBase {
		t.Errorf("sepc after exec = %#x, want %#x", g.Get().TrapFrame.Sepc, asm.TextBase)
	}
	if _, err := mm.TranslatedByteBuffer(g.Get().Space, scratch, 1); err == nil {
		t.Error("exec kept the old mappings")
	}
}
