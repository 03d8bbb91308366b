// Package abi defines the contract between user programs and the kernel:
// syscall numbers, open flags, mmap permission bits, result codes and the
// memory layout of every structure the kernel copies into user space.
package abi

// Syscall numbers.
const (
	SysUnlinkat    = 35
	SysLinkat      = 37
	SysOpen        = 56
	SysClose       = 57
	SysRead        = 63
	SysWrite       = 64
	SysFstat       = 80
	SysExit        = 93
	SysYield       = 124
	SysSetPriority = 140
	SysGetTime     = 169
	SysGetpid      = 172
	SysSbrk        = 214
	SysMunmap      = 215
	SysFork        = 220
	SysExec        = 221
	SysMmap        = 222
	SysWaitpid     = 260
	SysSpawn       = 400
	SysTaskInfo    = 410
)

// MaxSyscallNum bounds the per-task syscall counter array.
const MaxSyscallNum = 500

// Result codes returned to user space.
const (
	// ErrGeneric is the generic failure code.
	ErrGeneric = -1
	// ErrWouldBlock is returned by waitpid when a matching child exists but
	// has not exited yet.
	ErrWouldBlock = -2
)

// Well-known descriptors installed in every new descriptor table.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)

// OpenFlags is the flag word accepted by open.
type OpenFlags uint32

const (
	OpenRead     OpenFlags = 0
	OpenWrite    OpenFlags = 1 << 0
	OpenRDWR     OpenFlags = 1 << 1
	OpenCreate   OpenFlags = 1 << 9
	OpenTruncate OpenFlags = 1 << 10
)

// ReadWrite reports the access a descriptor opened with these flags grants.
func (f OpenFlags) ReadWrite() (readable, writable bool) {
	switch {
	case f&(OpenWrite|OpenRDWR) == 0:
		return true, false
	case f&OpenWrite != 0:
		return false, true
	default:
		return true, true
	}
}

// Has returns true if all of the given flags are set.
func (f OpenFlags) Has(flags OpenFlags) bool {
	return f&flags == flags
}

// mmap port bits.
const (
	PortRead  = 1 << 0
	PortWrite = 1 << 1
	PortExec  = 1 << 2
	PortMask  = PortRead | PortWrite | PortExec
)

// StatMode describes the type of file reported by fstat.
type StatMode uint32

const (
	StatModeNull StatMode = 0
	StatModeDir  StatMode = 0o040000
	StatModeFile StatMode = 0o100000
)

// Stat is the fstat output structure.
type Stat struct {
	Dev   uint64
	Ino   uint64
	Mode  StatMode
	Nlink uint32
	Pad   [7]uint64
}

// TimeVal is the get_time output structure.
type TimeVal struct {
	Sec  uint64
	Usec uint64
}

// TaskStatus is the task status encoding used by task_info.
type TaskStatus uint32

const (
	TaskUnInit TaskStatus = iota
	TaskReady
	TaskRunning
	TaskExited
)

// TaskInfo is the task_info output structure.
type TaskInfo struct {
	Status       TaskStatus
	_            uint32
	SyscallTimes [MaxSyscallNum]uint64
	TimeMs       uint64
}
