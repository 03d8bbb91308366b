package mm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrAlreadyMapped is returned when mapping a page that already has a
	// valid leaf entry.
	ErrAlreadyMapped = errors.New("mm: page already mapped")

	// ErrNotMapped is returned when a page has no valid leaf entry.
	ErrNotMapped = errors.New("mm: page not mapped")

	// ErrOutOfRange is returned for pages outside the 39-bit address space.
	ErrOutOfRange = errors.New("mm: address outside the virtual address space")
)

// PTEFlag describes a flag bit of an SV39 page table entry.
type PTEFlag uint64

const (
	FlagValid PTEFlag = 1 << iota
	FlagRead
	FlagWrite
	FlagExec
	FlagUser
	FlagGlobal
	FlagAccessed
	FlagDirty

	flagMask = PTEFlag(0xff)
)

// pteFrameShift is the bit position of the frame number inside a PTE.
const pteFrameShift = 10

// satpModeSV39 is the MODE field of the satp register for SV39.
const satpModeSV39 = uint64(8) << 60

// PTE is a page table entry.
type PTE uint64

// NewPTE builds an entry pointing at frame with the given flags.
func NewPTE(frame Frame, flags PTEFlag) PTE {
	return PTE(uint64(frame)<<pteFrameShift | uint64(flags&flagMask))
}

// Frame returns the physical frame the entry points to.
func (pte PTE) Frame() Frame {
	return Frame(uint64(pte) >> pteFrameShift & (1<<44 - 1))
}

// Flags returns the flag bits of the entry.
func (pte PTE) Flags() PTEFlag {
	return PTEFlag(pte) & flagMask
}

// HasFlags returns true if all of the given flags are set.
func (pte PTE) HasFlags(flags PTEFlag) bool {
	return pte.Flags()&flags == flags
}

// Valid returns true if the V bit is set.
func (pte PTE) Valid() bool {
	return pte.HasFlags(FlagValid)
}

// Translator resolves virtual pages to their leaf page table entries.
type Translator interface {
	Translate(page Page) (PTE, bool)
	Memory() *PhysMem
}

// PageTable is an SV39 three-level page table whose table frames live in
// simulated physical memory.
type PageTable struct {
	mem    *PhysMem
	alloc  *FrameAllocator
	root   Frame
	tables []Frame
}

// NewPageTable allocates an empty root table.
func NewPageTable(alloc *FrameAllocator) (*PageTable, error) {
	root, err := alloc.Alloc()
	if err != nil {
		return nil, err
	}
	return &PageTable{
		mem:    alloc.Memory(),
		alloc:  alloc,
		root:   root,
		tables: []Frame{root},
	}, nil
}

// PageTableFromToken returns a read-only view of the page table identified
// by a satp token. The view can translate but not map.
func PageTableFromToken(mem *PhysMem, token uint64) *PageTable {
	return &PageTable{
		mem:  mem,
		root: Frame(token & (1<<44 - 1)),
	}
}

// Token returns the satp value that activates this page table.
func (pt *PageTable) Token() uint64 {
	return satpModeSV39 | uint64(pt.root)
}

// Root returns the root table frame.
func (pt *PageTable) Root() Frame {
	return pt.root
}

// Memory returns the physical memory the table lives in.
func (pt *PageTable) Memory() *PhysMem {
	return pt.mem
}

func (pt *PageTable) readPTE(table Frame, idx uint64) PTE {
	return PTE(binary.LittleEndian.Uint64(pt.mem.Frame(table)[idx*8:]))
}

func (pt *PageTable) writePTE(table Frame, idx uint64, pte PTE) {
	binary.LittleEndian.PutUint64(pt.mem.Frame(table)[idx*8:], uint64(pte))
}

// walk locates the leaf entry slot for page. When create is set, missing
// intermediate tables are allocated.
func (pt *PageTable) walk(page Page, create bool) (Frame, uint64, error) {
	if page.Address() >= MaxVA {
		return 0, 0, ErrOutOfRange
	}

	table := pt.root
	idx := page.indexes()
	for level := 0; level < pageLevels-1; level++ {
		pte := pt.readPTE(table, idx[level])
		if pte.Valid() {
			table = pte.Frame()
			continue
		}
		if !create {
			return 0, 0, ErrNotMapped
		}
		if pt.alloc == nil {
			panic("mm: map through a read-only page table view")
		}

		next, err := pt.alloc.Alloc()
		if err != nil {
			return 0, 0, err
		}
		pt.tables = append(pt.tables, next)
		pt.writePTE(table, idx[level], NewPTE(next, FlagValid))
		table = next
	}
	return table, idx[pageLevels-1], nil
}

// Map establishes a mapping from page to frame. The V bit is always set.
func (pt *PageTable) Map(page Page, frame Frame, flags PTEFlag) error {
	table, idx, err := pt.walk(page, true)
	if err != nil {
		return err
	}
	if pt.readPTE(table, idx).Valid() {
		return fmt.Errorf("%w: page %#x", ErrAlreadyMapped, page.Address())
	}
	pt.writePTE(table, idx, NewPTE(frame, flags|FlagValid))
	return nil
}

// Unmap removes the mapping of page.
func (pt *PageTable) Unmap(page Page) error {
	table, idx, err := pt.walk(page, false)
	if err != nil {
		return err
	}
	if !pt.readPTE(table, idx).Valid() {
		return ErrNotMapped
	}
	pt.writePTE(table, idx, 0)
	return nil
}

// Translate returns the leaf entry for page, if it is valid.
func (pt *PageTable) Translate(page Page) (PTE, bool) {
	table, idx, err := pt.walk(page, false)
	if err != nil {
		return 0, false
	}
	pte := pt.readPTE(table, idx)
	return pte, pte.Valid()
}

// TranslateAddress returns the physical address backing a virtual address.
func (pt *PageTable) TranslateAddress(virtAddr uint64) (uint64, bool) {
	pte, ok := pt.Translate(PageFromAddress(virtAddr))
	if !ok {
		return 0, false
	}
	return pte.Frame().Address() + PageOffset(virtAddr), true
}

// Free returns every table frame, including the root, to the allocator.
// Leaf frames are owned by map areas and are not touched.
func (pt *PageTable) Free() {
	if pt.alloc == nil {
		return
	}
	for _, f := range pt.tables {
		pt.alloc.Dealloc(f)
	}
	pt.tables = nil
}
