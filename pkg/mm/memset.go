package mm

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"slices"

	"taskos/pkg/abi"
)

var (
	// ErrMisaligned is returned when a range start is not page aligned.
	ErrMisaligned = errors.New("mm: address not page aligned")

	// ErrBadPort is returned for mmap permission words with unknown bits or
	// no bits at all.
	ErrBadPort = errors.New("mm: invalid mmap permissions")

	// ErrOverlap is returned when a range collides with an existing mapping.
	ErrOverlap = errors.New("mm: range overlaps an existing mapping")

	// ErrBrkUnderflow is returned when the break would drop below the heap
	// bottom.
	ErrBrkUnderflow = errors.New("mm: program break below heap bottom")

	// ErrHeapRange is returned by Munmap for ranges inside the heap, which
	// only the program break may shrink.
	ErrHeapRange = errors.New("mm: range belongs to the heap")

	// ErrNoHeap is returned by ChangeBrk on a memory set without a heap.
	ErrNoHeap = errors.New("mm: memory set has no heap area")

	// ErrBadImage is returned when a program image cannot be loaded.
	ErrBadImage = errors.New("mm: invalid program image")
)

// Machine is the simulated hardware shared by every address space: the RAM,
// its frame allocator and the trampoline frame.
type Machine struct {
	Mem    *PhysMem
	Frames *FrameAllocator

	trampoline Frame
}

// NewMachine builds a machine with the given number of physical frames. The
// first frame is reserved for the trampoline.
func NewMachine(frames int) (*Machine, error) {
	mem := NewPhysMem(frames)
	alloc := NewFrameAllocator(mem)
	tramp, err := alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("mm: reserve trampoline: %w", err)
	}
	return &Machine{Mem: mem, Frames: alloc, trampoline: tramp}, nil
}

// TrampolineFrame returns the frame shared by all address spaces at
// Trampoline.
func (m *Machine) TrampolineFrame() Frame {
	return m.trampoline
}

// Layout describes where a freshly loaded program starts.
type Layout struct {
	Entry    uint64
	StackTop uint64
}

// MemorySet is a process address space: a page table and the ordered,
// pairwise disjoint list of areas mapped through it.
type MemorySet struct {
	machine    *Machine
	pt         *PageTable
	areas      []*MapArea
	heap       *MapArea
	trampoline *MapArea
	released   bool
}

// NewBare returns an address space that maps only the trampoline.
func NewBare(m *Machine) (*MemorySet, error) {
	pt, err := NewPageTable(m.Frames)
	if err != nil {
		return nil, err
	}
	ms := &MemorySet{machine: m, pt: pt}

	tramp := newMapArea(PageFromAddress(Trampoline), PageFromAddress(Trampoline)+1,
		PermRead|PermExec, BackingDevice)
	tramp.device = m.trampoline
	if err := ms.insert(tramp); err != nil {
		ms.Release()
		return nil, err
	}
	ms.trampoline = tramp
	return ms, nil
}

// FromELF builds a user address space from an ELF executable: its loadable
// segments, a guard page, a user stack of stackSize bytes and an empty heap
// starting at the stack top.
func FromELF(m *Machine, image []byte, stackSize uint64) (*MemorySet, Layout, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, Layout{}, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if f.Class != elf.ELFCLASS64 || f.Type != elf.ET_EXEC {
		return nil, Layout{}, fmt.Errorf("%w: not a 64-bit executable", ErrBadImage)
	}

	ms, err := NewBare(m)
	if err != nil {
		return nil, Layout{}, err
	}

	var maxEnd Page
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Filesz > prog.Memsz || prog.Vaddr+prog.Memsz < prog.Vaddr ||
			prog.Vaddr+prog.Memsz > Trampoline {
			ms.Release()
			return nil, Layout{}, fmt.Errorf("%w: bad segment at %#x", ErrBadImage, prog.Vaddr)
		}

		perm := PermUser
		if prog.Flags&elf.PF_R != 0 {
			perm |= PermRead
		}
		if prog.Flags&elf.PF_W != 0 {
			perm |= PermWrite
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= PermExec
		}

		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			ms.Release()
			return nil, Layout{}, fmt.Errorf("%w: read segment: %v", ErrBadImage, err)
		}

		area := newMapArea(PageFromAddress(prog.Vaddr), PageCeil(prog.Vaddr+prog.Memsz), perm, BackingImage)
		if err := ms.insert(area); err != nil {
			ms.Release()
			return nil, Layout{}, fmt.Errorf("%w: %v", ErrBadImage, err)
		}
		area.copyData(m.Mem, data, PageOffset(prog.Vaddr))
		maxEnd = max(maxEnd, area.end)
	}
	if maxEnd == 0 {
		ms.Release()
		return nil, Layout{}, fmt.Errorf("%w: no loadable segments", ErrBadImage)
	}

	// One unmapped guard page separates the image from the stack.
	stackBottom := maxEnd + 1
	stackTop := stackBottom + PageCeil(stackSize)
	if err := ms.insert(newMapArea(stackBottom, stackTop, PermRead|PermWrite|PermUser, BackingAnon)); err != nil {
		ms.Release()
		return nil, Layout{}, err
	}

	heap := newMapArea(stackTop, stackTop, PermRead|PermWrite|PermUser, BackingAnon)
	if err := ms.insert(heap); err != nil {
		ms.Release()
		return nil, Layout{}, err
	}
	ms.heap = heap

	return ms, Layout{Entry: f.Entry, StackTop: stackTop.Address()}, nil
}

// FromExisted returns a deep copy of src: same areas, new frames holding the
// same bytes.
func FromExisted(src *MemorySet) (*MemorySet, error) {
	ms, err := NewBare(src.machine)
	if err != nil {
		return nil, err
	}

	mem := src.machine.Mem
	for _, a := range src.areas {
		if a == src.trampoline {
			continue
		}
		dup := newMapArea(a.start, a.end, a.perm, a.backing)
		dup.device = a.device
		if err := ms.insert(dup); err != nil {
			ms.Release()
			return nil, err
		}
		if a.backing != BackingDevice {
			for p, f := range a.frames {
				copy(mem.Frame(dup.frames[p]), mem.Frame(f))
			}
		}
		if a == src.heap {
			ms.heap = dup
		}
	}
	return ms, nil
}

// insert maps every page of area and adds it to the ordered area list.
func (ms *MemorySet) insert(area *MapArea) error {
	if !ms.CheckUnused(area.start, area.end) {
		return ErrOverlap
	}
	if err := area.mapAll(ms.pt); err != nil {
		return err
	}
	i, _ := slices.BinarySearchFunc(ms.areas, area.start, func(a *MapArea, p Page) int {
		switch {
		case a.start < p:
			return -1
		case a.start > p:
			return 1
		}
		return 0
	})
	ms.areas = slices.Insert(ms.areas, i, area)
	return nil
}

// Token returns the satp token of the address space.
func (ms *MemorySet) Token() uint64 {
	return ms.pt.Token()
}

// PageTable returns the page table of the address space.
func (ms *MemorySet) PageTable() *PageTable {
	return ms.pt
}

// Translate implements Translator.
func (ms *MemorySet) Translate(page Page) (PTE, bool) {
	return ms.pt.Translate(page)
}

// Memory implements Translator.
func (ms *MemorySet) Memory() *PhysMem {
	return ms.machine.Mem
}

// CheckUnused returns true if no page in [start, end) is mapped.
func (ms *MemorySet) CheckUnused(start, end Page) bool {
	if start >= end {
		return true
	}
	for _, a := range ms.areas {
		if a.overlaps(start, end) {
			return false
		}
	}
	return true
}

// userRange validates an mmap style range and converts it to pages.
func userRange(start, length uint64) (Page, Page, error) {
	if !Aligned(start) {
		return 0, 0, ErrMisaligned
	}
	length = RoundUp(length)
	end := start + length
	if end < start || end > MaxVA {
		return 0, 0, ErrOutOfRange
	}
	return PageFromAddress(start), PageFromAddress(end), nil
}

// ParsePort converts an mmap port word (bit 0 read, bit 1 write, bit 2
// execute) to a user permission set.
func ParsePort(port uint64) (MapPermission, error) {
	if port&^abi.PortMask != 0 || port&abi.PortMask == 0 {
		return 0, ErrBadPort
	}
	perm := PermUser
	if port&abi.PortRead != 0 {
		perm |= PermRead
	}
	if port&abi.PortWrite != 0 {
		perm |= PermWrite
	}
	if port&abi.PortExec != 0 {
		perm |= PermExec
	}
	return perm, nil
}

// Mmap maps [start, start+length) as a new anonymous area. The length is
// rounded up to whole pages. Nothing changes unless every page is free.
func (ms *MemorySet) Mmap(start, length uint64, perm MapPermission) error {
	s, e, err := userRange(start, length)
	if err != nil {
		return err
	}
	if s == e {
		return nil
	}
	if !ms.CheckUnused(s, e) {
		return ErrOverlap
	}
	return ms.insert(newMapArea(s, e, perm|PermUser, BackingAnon))
}

// Munmap unmaps [start, start+length), truncating or splitting the areas
// that cover it. Nothing changes unless every page is mapped user memory
// outside the heap.
func (ms *MemorySet) Munmap(start, length uint64) error {
	s, e, err := userRange(start, length)
	if err != nil {
		return err
	}
	if s == e {
		return nil
	}

	var covered Page
	for _, a := range ms.areas {
		if !a.overlaps(s, e) {
			continue
		}
		if a.perm&PermUser == 0 {
			return ErrNotMapped
		}
		if a == ms.heap {
			return ErrHeapRange
		}
		covered += min(a.end, e) - max(a.start, s)
	}
	if covered != e-s {
		return ErrNotMapped
	}

	kept := make([]*MapArea, 0, len(ms.areas)+1)
	for _, a := range ms.areas {
		if !a.overlaps(s, e) {
			kept = append(kept, a)
			continue
		}

		lo, hi := max(a.start, s), min(a.end, e)
		a.unmapRange(ms.pt, lo, hi)

		var right *MapArea
		if hi < a.end {
			right = a.split(hi)
		}
		if lo > a.start {
			a.end = lo
			kept = append(kept, a)
		}
		if right != nil {
			kept = append(kept, right)
		}
	}
	ms.areas = kept
	return nil
}

// ChangeBrk moves the program break from oldBrk by delta bytes and returns
// the new break. The heap area grows or shrinks to cover [heapBottom,
// newBrk) in whole pages.
func (ms *MemorySet) ChangeBrk(heapBottom, oldBrk uint64, delta int64) (uint64, error) {
	heap := ms.heap
	if heap == nil {
		return 0, ErrNoHeap
	}
	if delta == 0 {
		return oldBrk, nil
	}

	var newBrk uint64
	if delta < 0 {
		d := uint64(-delta)
		if d > oldBrk-heapBottom {
			return 0, ErrBrkUnderflow
		}
		newBrk = oldBrk - d
	} else {
		newBrk = oldBrk + uint64(delta)
		if newBrk < oldBrk || newBrk > Trampoline {
			return 0, ErrOutOfRange
		}
	}

	newEnd := PageCeil(newBrk)
	switch {
	case newEnd > heap.end:
		if !ms.CheckUnused(heap.end, newEnd) {
			return 0, ErrOverlap
		}
		if err := heap.mapRange(ms.pt, heap.end, newEnd); err != nil {
			return 0, err
		}
	case newEnd < heap.end:
		heap.unmapRange(ms.pt, newEnd, heap.end)
	}
	heap.end = newEnd
	return newBrk, nil
}

// Regions describes the mapped areas in address order.
func (ms *MemorySet) Regions() []Region {
	out := make([]Region, 0, len(ms.areas))
	for _, a := range ms.areas {
		out = append(out, Region{
			Start:   a.start.Address(),
			End:     a.end.Address(),
			Perm:    a.perm,
			Backing: a.backing,
		})
	}
	return out
}

// Snapshot returns every mapped page in ascending order.
func (ms *MemorySet) Snapshot() []Page {
	var pages []Page
	for _, a := range ms.areas {
		for p := a.start; p < a.end; p++ {
			pages = append(pages, p)
		}
	}
	slices.Sort(pages)
	return pages
}

// RecycleDataPages unmaps every area and frees the frames they own. The page
// table itself survives until Release.
func (ms *MemorySet) RecycleDataPages() {
	for _, a := range ms.areas {
		a.unmapAll(ms.pt)
	}
	ms.areas = nil
	ms.heap = nil
	ms.trampoline = nil
}

// Release frees every frame the address space holds, page tables included.
// Releasing twice is a no-op.
func (ms *MemorySet) Release() {
	if ms.released {
		return
	}
	ms.RecycleDataPages()
	ms.pt.Free()
	ms.released = true
}
