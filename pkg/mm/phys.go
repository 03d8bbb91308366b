package mm

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory is returned when no physical frames remain.
	ErrOutOfMemory = errors.New("mm: out of physical frames")
)

// MemoryBase is the first physical frame of the simulated RAM
// (physical address 0x8000_0000).
const MemoryBase = Frame(0x80000)

// PhysMem is the simulated physical RAM, a contiguous run of frames starting
// at MemoryBase.
type PhysMem struct {
	data []byte
}

// NewPhysMem allocates a RAM of the given number of frames.
func NewPhysMem(frames int) *PhysMem {
	return &PhysMem{data: make([]byte, uint64(frames)*PageSize)}
}

// Frames returns the number of frames in this RAM.
func (m *PhysMem) Frames() int {
	return int(uint64(len(m.data)) / PageSize)
}

// End returns the first frame past the end of the RAM.
func (m *PhysMem) End() Frame {
	return MemoryBase + Frame(m.Frames())
}

// Contains returns true if the frame is backed by this RAM.
func (m *PhysMem) Contains(f Frame) bool {
	return f >= MemoryBase && f < m.End()
}

// Frame returns the bytes of a physical frame. The slice aliases RAM.
func (m *PhysMem) Frame(f Frame) []byte {
	if !m.Contains(f) {
		panic(fmt.Sprintf("mm: frame %#x outside physical memory", uint64(f)))
	}
	off := uint64(f-MemoryBase) * PageSize
	return m.data[off : off+PageSize : off+PageSize]
}

// FrameAllocator hands out zeroed physical frames. Frames that have never
// been used are taken from a bump pointer; freed frames are recycled first.
type FrameAllocator struct {
	mem      *PhysMem
	current  Frame
	end      Frame
	recycled []Frame
	free     map[Frame]struct{}
}

// NewFrameAllocator returns an allocator managing every frame of mem.
func NewFrameAllocator(mem *PhysMem) *FrameAllocator {
	return &FrameAllocator{
		mem:     mem,
		current: MemoryBase,
		end:     mem.End(),
		free:    make(map[Frame]struct{}),
	}
}

// Alloc reserves a frame and clears its contents.
func (a *FrameAllocator) Alloc() (Frame, error) {
	var f Frame
	switch {
	case len(a.recycled) > 0:
		f = a.recycled[len(a.recycled)-1]
		a.recycled = a.recycled[:len(a.recycled)-1]
		delete(a.free, f)
	case a.current < a.end:
		f = a.current
		a.current++
	default:
		return 0, ErrOutOfMemory
	}

	clear(a.mem.Frame(f))
	return f, nil
}

// Dealloc returns a frame to the allocator. Freeing a frame that is not
// allocated is a kernel bug and panics.
func (a *FrameAllocator) Dealloc(f Frame) {
	if f < MemoryBase || f >= a.current {
		panic(fmt.Sprintf("mm: frame %#x has not been allocated", uint64(f)))
	}
	if _, ok := a.free[f]; ok {
		panic(fmt.Sprintf("mm: frame %#x freed twice", uint64(f)))
	}
	a.free[f] = struct{}{}
	a.recycled = append(a.recycled, f)
}

// Available returns the number of frames that can still be allocated.
func (a *FrameAllocator) Available() int {
	return int(a.end-a.current) + len(a.recycled)
}

// Memory returns the RAM this allocator manages.
func (a *FrameAllocator) Memory() *PhysMem {
	return a.mem
}
