package task

import "fmt"

// PID identifies a task. PIDs are recycled only after the task is reaped.
type PID int

// InitPID is the PID of the first user task. Orphans are adopted by it and
// its exit shuts the kernel down.
const InitPID PID = 0

// AnyChild matches every child in Wait.
const AnyChild PID = -1

// PIDAllocator hands out the most recently freed PID, or the next never
// used one.
type PIDAllocator struct {
	next     PID
	recycled []PID
	live     map[PID]bool
}

// NewPIDAllocator returns an allocator whose first PID is InitPID.
func NewPIDAllocator() *PIDAllocator {
	return &PIDAllocator{next: InitPID, live: make(map[PID]bool)}
}

// Alloc returns a PID that is not in use.
func (a *PIDAllocator) Alloc() PID {
	var pid PID
	if n := len(a.recycled); n > 0 {
		pid = a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
	} else {
		pid = a.next
		a.next++
	}
	a.live[pid] = true
	return pid
}

// Dealloc returns pid to the allocator. Freeing a PID that is not in use
// panics.
func (a *PIDAllocator) Dealloc(pid PID) {
	if !a.live[pid] {
		panic(fmt.Sprintf("task: pid %d has not been allocated", pid))
	}
	delete(a.live, pid)
	a.recycled = append(a.recycled, pid)
}

// InUse returns the number of allocated PIDs.
func (a *PIDAllocator) InUse() int {
	return len(a.live)
}
