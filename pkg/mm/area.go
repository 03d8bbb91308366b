package mm

import "fmt"

// MapPermission is the subset of PTE flags an area may grant.
type MapPermission uint8

const (
	PermRead  = MapPermission(FlagRead)
	PermWrite = MapPermission(FlagWrite)
	PermExec  = MapPermission(FlagExec)
	PermUser  = MapPermission(FlagUser)
)

func (p MapPermission) String() string {
	b := []byte("----")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	if p&PermUser != 0 {
		b[3] = 'u'
	}
	return string(b)
}

// Backing describes where the frames of an area come from.
type Backing uint8

const (
	// BackingImage areas hold a program segment copied from an image.
	BackingImage Backing = iota
	// BackingAnon areas are zero-filled on creation.
	BackingAnon
	// BackingDevice areas map fixed frames the area does not own.
	BackingDevice
)

func (b Backing) String() string {
	switch b {
	case BackingImage:
		return "image"
	case BackingAnon:
		return "anon"
	case BackingDevice:
		return "device"
	default:
		return fmt.Sprintf("Backing(%d)", uint8(b))
	}
}

// MapArea is a half-open range of virtual pages with one permission set and
// one backing policy.
type MapArea struct {
	start   Page
	end     Page
	perm    MapPermission
	backing Backing
	// device is the first frame of a BackingDevice area.
	device Frame
	frames map[Page]Frame
}

func newMapArea(start, end Page, perm MapPermission, backing Backing) *MapArea {
	return &MapArea{
		start:   start,
		end:     end,
		perm:    perm,
		backing: backing,
		frames:  make(map[Page]Frame),
	}
}

// Start returns the first page of the area.
func (a *MapArea) Start() Page { return a.start }

// End returns the first page past the area.
func (a *MapArea) End() Page { return a.end }

// Perm returns the area permissions.
func (a *MapArea) Perm() MapPermission { return a.perm }

// Backing returns the area backing policy.
func (a *MapArea) Backing() Backing { return a.backing }

// Pages returns the number of pages the area spans.
func (a *MapArea) Pages() int { return int(a.end - a.start) }

func (a *MapArea) contains(p Page) bool {
	return p >= a.start && p < a.end
}

func (a *MapArea) overlaps(start, end Page) bool {
	return a.start < a.end && a.start < end && start < a.end
}

func (a *MapArea) mapOne(pt *PageTable, p Page) error {
	var frame Frame
	if a.backing == BackingDevice {
		frame = a.device + Frame(p-a.start)
	} else {
		f, err := pt.alloc.Alloc()
		if err != nil {
			return err
		}
		frame = f
	}

	if err := pt.Map(p, frame, PTEFlag(a.perm)); err != nil {
		if a.backing != BackingDevice {
			pt.alloc.Dealloc(frame)
		}
		return err
	}
	a.frames[p] = frame
	return nil
}

func (a *MapArea) unmapOne(pt *PageTable, p Page) {
	frame, ok := a.frames[p]
	if !ok {
		return
	}
	if err := pt.Unmap(p); err != nil {
		panic(fmt.Sprintf("mm: area page %#x missing from page table: %v", p.Address(), err))
	}
	if a.backing != BackingDevice {
		pt.alloc.Dealloc(frame)
	}
	delete(a.frames, p)
}

// mapRange maps [start, end) and rolls back on failure.
func (a *MapArea) mapRange(pt *PageTable, start, end Page) error {
	for p := start; p < end; p++ {
		if err := a.mapOne(pt, p); err != nil {
			for q := start; q < p; q++ {
				a.unmapOne(pt, q)
			}
			return err
		}
	}
	return nil
}

func (a *MapArea) mapAll(pt *PageTable) error {
	return a.mapRange(pt, a.start, a.end)
}

func (a *MapArea) unmapRange(pt *PageTable, start, end Page) {
	for p := start; p < end; p++ {
		a.unmapOne(pt, p)
	}
}

func (a *MapArea) unmapAll(pt *PageTable) {
	a.unmapRange(pt, a.start, a.end)
}

// copyData writes data into the area starting offset bytes past its first
// page.
func (a *MapArea) copyData(mem *PhysMem, data []byte, offset uint64) {
	p := a.start + Page(offset/PageSize)
	offset = PageOffset(offset)
	for len(data) > 0 {
		dst := mem.Frame(a.frames[p])[offset:]
		n := copy(dst, data)
		data = data[n:]
		offset = 0
		p++
	}
}

// split detaches the pages at and above p into a new area.
func (a *MapArea) split(p Page) *MapArea {
	right := newMapArea(p, a.end, a.perm, a.backing)
	if a.backing == BackingDevice {
		right.device = a.device + Frame(p-a.start)
	}
	for page, frame := range a.frames {
		if page >= p {
			right.frames[page] = frame
			delete(a.frames, page)
		}
	}
	a.end = p
	return right
}

// Region is a read-only description of a map area.
type Region struct {
	Start   uint64
	End     uint64
	Perm    MapPermission
	Backing Backing
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %s %s", r.Start, r.End, r.Perm, r.Backing)
}
