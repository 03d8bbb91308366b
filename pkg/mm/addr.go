package mm

const (
	// PageShift is equal to log2(PageSize).
	PageShift = 12

	// PageSize defines the page size in bytes.
	PageSize = uint64(1 << PageShift)

	// VABits is the width of an SV39 virtual address.
	VABits = 39

	// MaxVA is the first address past the user-visible virtual address
	// space.
	MaxVA = uint64(1) << VABits

	// Trampoline is the virtual address of the page shared by every
	// address space; it sits just below MaxVA.
	Trampoline = MaxVA - PageSize

	// pageLevels is the number of page table levels walked for SV39.
	pageLevels = 3

	// pageLevelBits is the number of virtual page bits consumed per level.
	pageLevelBits = 9

	// entriesPerTable is the number of PTEs stored in one page table frame.
	entriesPerTable = 1 << pageLevelBits
)

// Frame describes a physical memory page index.
type Frame uint64

// Address returns the physical address of the first byte of this frame.
func (f Frame) Address() uint64 {
	return uint64(f) << PageShift
}

// FrameFromAddress returns the Frame containing the physical address.
func FrameFromAddress(physAddr uint64) Frame {
	return Frame(physAddr >> PageShift)
}

// Page describes a virtual memory page index.
type Page uint64

// Address returns the virtual address of the first byte of this page.
func (p Page) Address() uint64 {
	return uint64(p) << PageShift
}

// indexes splits the page number into its per-level page table indexes,
// top level first.
func (p Page) indexes() [pageLevels]uint64 {
	var idx [pageLevels]uint64
	v := uint64(p)
	for level := pageLevels - 1; level >= 0; level-- {
		idx[level] = v & (entriesPerTable - 1)
		v >>= pageLevelBits
	}
	return idx
}

// PageFromAddress returns the Page containing the virtual address. Addresses
// that are not page aligned are rounded down.
func PageFromAddress(virtAddr uint64) Page {
	return Page(virtAddr >> PageShift)
}

// PageCeil returns the first Page whose start is at or above virtAddr.
func PageCeil(virtAddr uint64) Page {
	return Page((virtAddr + PageSize - 1) >> PageShift)
}

// PageOffset returns the offset of the address within its page.
func PageOffset(addr uint64) uint64 {
	return addr & (PageSize - 1)
}

// Aligned returns true if addr is page aligned.
func Aligned(addr uint64) bool {
	return PageOffset(addr) == 0
}

// RoundUp rounds a length up to a whole number of pages.
func RoundUp(length uint64) uint64 {
	return (length + PageSize - 1) &^ (PageSize - 1)
}
