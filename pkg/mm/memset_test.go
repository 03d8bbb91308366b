package mm

import (
	"debug/elf"
	"errors"
	"slices"
	"testing"

	"taskos/pkg/image"
)

const testStackSize = 2 * PageSize

// testImage returns an executable with a one page text segment at 0x10000
// and a data segment at 0x11000 whose bss runs into a second page.
func testImage(t *testing.T) []byte {
	t.Helper()
	raw, err := image.Build(0x10000,
		image.Segment{Vaddr: 0x10000, Flags: elf.PF_R | elf.PF_X, Data: []byte{0x13, 0, 0, 0}},
		image.Segment{Vaddr: 0x11000, Flags: elf.PF_R | elf.PF_W, Data: []byte("data"), MemSize: 0x1800},
	)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func newTestSpace(t *testing.T) (*Machine, *MemorySet, Layout) {
	t.Helper()
	m, err := NewMachine(64)
	if err != nil {
		t.Fatal(err)
	}
	ms, layout, err := FromELF(m, testImage(t), testStackSize)
	if err != nil {
		t.Fatalf("FromELF() error = %v", err)
	}
	return m, ms, layout
}

func mapped(ms *MemorySet, va uint64) bool {
	_, ok := ms.Translate(PageFromAddress(va))
	return ok
}

// TestFromELF tests the user layout built from an executable.
func TestFromELF(t *testing.T) {
	_, ms, layout := newTestSpace(t)

	if layout.Entry != 0x10000 {
		t.Errorf("Entry = %#x, want 0x10000", layout.Entry)
	}
	if layout.StackTop != 0x16000 {
		t.Errorf("StackTop = %#x, want 0x16000", layout.StackTop)
	}

	want := []Region{
		{0x10000, 0x11000, PermRead | PermExec | PermUser, BackingImage},
		{0x11000, 0x13000, PermRead | PermWrite | PermUser, BackingImage},
		{0x14000, 0x16000, PermRead | PermWrite | PermUser, BackingAnon},
		{0x16000, 0x16000, PermRead | PermWrite | PermUser, BackingAnon},
		{Trampoline, MaxVA, PermRead | PermExec, BackingDevice},
	}
	if got := ms.Regions(); !slices.Equal(got, want) {
		t.Errorf("Regions() =\n%v\nwant\n%v", got, want)
	}

	if mapped(ms, 0x13000) {
		t.Error("guard page is mapped")
	}

	buf, err := TranslatedByteBuffer(ms, 0x11000, 8)
	if err != nil {
		t.Fatalf("TranslatedByteBuffer() error = %v", err)
	}
	if got := string(NewUserBuffer(buf).Bytes()); got != "data\x00\x00\x00\x00" {
		t.Errorf("data segment = %q", got)
	}

	if _, err := TranslatedByteBuffer(ms, Trampoline, 8); !errors.Is(err, ErrBadAddress) {
		t.Errorf("trampoline translated for user access, error = %v", err)
	}
}

func TestFromELFBadImage(t *testing.T) {
	m, _ := NewMachine(16)
	before := m.Frames.Available()

	for _, raw := range [][]byte{nil, []byte("not an elf"), testImage(t)[:40]} {
		if _, _, err := FromELF(m, raw, testStackSize); !errors.Is(err, ErrBadImage) {
			t.Errorf("FromELF(%q) error = %v, want %v", raw, err, ErrBadImage)
		}
	}
	if got := m.Frames.Available(); got != before {
		t.Errorf("Available() = %d, want %d", got, before)
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		port    uint64
		want    MapPermission
		wantErr bool
	}{
		{0, 0, true},
		{1, PermRead | PermUser, false},
		{2, PermWrite | PermUser, false},
		{3, PermRead | PermWrite | PermUser, false},
		{7, PermRead | PermWrite | PermExec | PermUser, false},
		{8, 0, true},
		{9, 0, true},
		{0xff, 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePort(tt.port)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePort(%d) error = %v, wantErr %v", tt.port, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePort(%d) = %v, want %v", tt.port, got, tt.want)
		}
	}
}

// TestMmapMunmapRoundTrip tests that munmap of a fresh mapping restores the
// mapped set and the free frame count.
func TestMmapMunmapRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		start  uint64
		length uint64
		port   uint64
	}{
		{"one page", 0x20000000, PageSize, 1},
		{"rounded length", 0x20000000, 10, 3},
		{"many pages", 0x30000000, 5 * PageSize, 7},
		{"in guard page", 0x13000, PageSize, 2},
		{"above heap", 0x16000, 3 * PageSize, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ms, _ := newTestSpace(t)
			before := ms.Snapshot()
			free := m.Frames.Available()

			perm, err := ParsePort(tt.port)
			if err != nil {
				t.Fatal(err)
			}
			if err := ms.Mmap(tt.start, tt.length, perm); err != nil {
				t.Fatalf("Mmap() error = %v", err)
			}
			for va := tt.start; va < tt.start+RoundUp(tt.length); va += PageSize {
				if !mapped(ms, va) {
					t.Errorf("page %#x not mapped", va)
				}
			}
			if err := ms.Munmap(tt.start, tt.length); err != nil {
				t.Fatalf("Munmap() error = %v", err)
			}

			if got := ms.Snapshot(); !slices.Equal(got, before) {
				t.Errorf("Snapshot() = %v, want %v", got, before)
			}
			// Page tables allocated for the mapping stay until Release.
			if got := m.Frames.Available(); got > free {
				t.Errorf("Available() = %d, more than before (%d)", got, free)
			}
		})
	}
}

// TestMmapOverlap tests that mmap over any mapped page fails without effect.
func TestMmapOverlap(t *testing.T) {
	_, ms, _ := newTestSpace(t)
	if err := ms.Mmap(0x20000000, 2*PageSize, PermRead); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		start  uint64
		length uint64
	}{
		{"text", 0x10000, PageSize},
		{"straddles data", 0x12000, 2 * PageSize},
		{"stack", 0x15000, PageSize},
		{"previous mmap tail", 0x20001000, 2 * PageSize},
		{"previous mmap head", 0x1ffff000, 2 * PageSize},
		{"trampoline", Trampoline, PageSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := ms.Snapshot()
			if err := ms.Mmap(tt.start, tt.length, PermRead|PermWrite); !errors.Is(err, ErrOverlap) {
				t.Errorf("Mmap() error = %v, want %v", err, ErrOverlap)
			}
			if got := ms.Snapshot(); !slices.Equal(got, before) {
				t.Errorf("Snapshot() changed: %v, want %v", got, before)
			}
		})
	}
}

func TestMmapMisaligned(t *testing.T) {
	_, ms, _ := newTestSpace(t)
	if err := ms.Mmap(0x20000010, PageSize, PermRead); !errors.Is(err, ErrMisaligned) {
		t.Errorf("Mmap() error = %v, want %v", err, ErrMisaligned)
	}
	if err := ms.Munmap(0x10010, PageSize); !errors.Is(err, ErrMisaligned) {
		t.Errorf("Munmap() error = %v, want %v", err, ErrMisaligned)
	}
	if err := ms.Mmap(MaxVA-PageSize, 2*PageSize, PermRead); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Mmap() past MaxVA error = %v, want %v", err, ErrOutOfRange)
	}
}

// TestMunmapNotMapped tests that munmap over any unmapped page fails without
// effect.
func TestMunmapNotMapped(t *testing.T) {
	_, ms, _ := newTestSpace(t)
	if err := ms.Mmap(0x20000000, 2*PageSize, PermRead); err != nil {
		t.Fatal(err)
	}
	before := ms.Snapshot()

	for _, r := range [][2]uint64{
		{0x20000000, 3 * PageSize},
		{0x1ffff000, 2 * PageSize},
		{0x12000, 3 * PageSize},
		{0x40000000, PageSize},
		{Trampoline, PageSize},
	} {
		if err := ms.Munmap(r[0], r[1]); !errors.Is(err, ErrNotMapped) {
			t.Errorf("Munmap(%#x, %#x) error = %v, want %v", r[0], r[1], err, ErrNotMapped)
		}
	}
	if got := ms.Snapshot(); !slices.Equal(got, before) {
		t.Errorf("Snapshot() changed: %v, want %v", got, before)
	}
}

// TestMunmapSplit tests unmapping the middle of an area.
func TestMunmapSplit(t *testing.T) {
	_, ms, _ := newTestSpace(t)
	base := uint64(0x20000000)
	if err := ms.Mmap(base, 4*PageSize, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	if err := ms.Munmap(base+PageSize, 2*PageSize); err != nil {
		t.Fatalf("Munmap() error = %v", err)
	}

	for i, want := range []bool{true, false, false, true} {
		if got := mapped(ms, base+uint64(i)*PageSize); got != want {
			t.Errorf("page %d mapped = %v, want %v", i, got, want)
		}
	}

	var pieces int
	for _, r := range ms.Regions() {
		if r.Start >= base && r.End <= base+4*PageSize {
			pieces++
		}
	}
	if pieces != 2 {
		t.Errorf("areas covering the mapping = %d, want 2", pieces)
	}

	// The hole can be mapped again.
	if err := ms.Mmap(base+PageSize, PageSize, PermRead); err != nil {
		t.Errorf("Mmap() into hole error = %v", err)
	}
}

// TestChangeBrk tests heap growth, shrinking and its failure modes.
func TestChangeBrk(t *testing.T) {
	_, ms, layout := newTestSpace(t)
	bottom := layout.StackTop

	brk, err := ms.ChangeBrk(bottom, bottom, int64(PageSize))
	if err != nil {
		t.Fatalf("ChangeBrk(+page) error = %v", err)
	}
	if brk != bottom+PageSize {
		t.Errorf("brk = %#x, want %#x", brk, bottom+PageSize)
	}
	if !mapped(ms, bottom) {
		t.Error("heap page not mapped after growth")
	}

	brk, err = ms.ChangeBrk(bottom, brk, 10)
	if err != nil || brk != bottom+PageSize+10 || !mapped(ms, bottom+PageSize) {
		t.Errorf("ChangeBrk(+10) = %#x, %v", brk, err)
	}

	brk, err = ms.ChangeBrk(bottom, brk, -int64(PageSize+10))
	if err != nil || brk != bottom {
		t.Fatalf("ChangeBrk(shrink) = %#x, %v, want %#x", brk, err, bottom)
	}
	if mapped(ms, bottom) {
		t.Error("heap page still mapped after shrinking")
	}

	if _, err := ms.ChangeBrk(bottom, bottom, -1); !errors.Is(err, ErrBrkUnderflow) {
		t.Errorf("ChangeBrk(-1) error = %v, want %v", err, ErrBrkUnderflow)
	}

	if err := ms.Mmap(bottom+PageSize, PageSize, PermRead); err != nil {
		t.Fatal(err)
	}
	before := ms.Snapshot()
	if _, err := ms.ChangeBrk(bottom, bottom, int64(2*PageSize)); !errors.Is(err, ErrOverlap) {
		t.Errorf("ChangeBrk() into mapping error = %v, want %v", err, ErrOverlap)
	}
	if got := ms.Snapshot(); !slices.Equal(got, before) {
		t.Errorf("Snapshot() changed after failed growth")
	}
}

// TestHeapOnlyMovedByBrk tests that munmap cannot take heap pages and that
// a zero delta leaves the mappings alone.
func TestHeapOnlyMovedByBrk(t *testing.T) {
	_, ms, layout := newTestSpace(t)
	bottom := layout.StackTop

	brk, err := ms.ChangeBrk(bottom, bottom, int64(2*PageSize))
	if err != nil {
		t.Fatal(err)
	}
	before := ms.Snapshot()

	for _, r := range [][2]uint64{
		{bottom, 2 * PageSize},
		{bottom + PageSize, PageSize},
		{bottom - PageSize, 2 * PageSize},
	} {
		if err := ms.Munmap(r[0], r[1]); !errors.Is(err, ErrHeapRange) {
			t.Errorf("Munmap(%#x, %#x) error = %v, want %v", r[0], r[1], err, ErrHeapRange)
		}
	}
	if got := ms.Snapshot(); !slices.Equal(got, before) {
		t.Fatal("rejected Munmap() changed the mapping set")
	}

	got, err := ms.ChangeBrk(bottom, brk, 0)
	if err != nil || got != brk {
		t.Errorf("ChangeBrk(0) = %#x, %v, want %#x", got, err, brk)
	}
	if got := ms.Snapshot(); !slices.Equal(got, before) {
		t.Error("ChangeBrk(0) changed the mapping set")
	}
}

// TestFromExisted tests that a copied address space has its own frames.
func TestFromExisted(t *testing.T) {
	_, parent, _ := newTestSpace(t)
	child, err := FromExisted(parent)
	if err != nil {
		t.Fatalf("FromExisted() error = %v", err)
	}

	if !slices.Equal(child.Regions(), parent.Regions()) {
		t.Errorf("child regions = %v, want %v", child.Regions(), parent.Regions())
	}
	if child.Token() == parent.Token() {
		t.Error("child shares the parent page table")
	}

	if err := WriteValue(parent, 0x11000, uint32(0xdeadbeef)); err != nil {
		t.Fatal(err)
	}
	var got uint32
	if err := ReadValue(child, 0x11000, &got); err != nil {
		t.Fatal(err)
	}
	if got != 0x61746164 { // "data"
		t.Errorf("child data = %#x, want the original bytes", got)
	}

	pTramp, _ := parent.Translate(PageFromAddress(Trampoline))
	cTramp, _ := child.Translate(PageFromAddress(Trampoline))
	if pTramp.Frame() != cTramp.Frame() {
		t.Error("trampoline frame not shared")
	}

	// Growth of the copied heap works.
	if _, err := child.ChangeBrk(0x16000, 0x16000, 1); err != nil {
		t.Errorf("child ChangeBrk() error = %v", err)
	}
}

// TestRelease tests that releasing address spaces returns every frame.
func TestRelease(t *testing.T) {
	m, err := NewMachine(64)
	if err != nil {
		t.Fatal(err)
	}
	before := m.Frames.Available()

	ms, layout, err := FromELF(m, testImage(t), testStackSize)
	if err != nil {
		t.Fatal(err)
	}
	ms.Mmap(0x20000000, 3*PageSize, PermRead)
	ms.ChangeBrk(layout.StackTop, layout.StackTop, int64(2*PageSize))
	dup, err := FromExisted(ms)
	if err != nil {
		t.Fatal(err)
	}

	ms.RecycleDataPages()
	if len(ms.Snapshot()) != 0 {
		t.Error("pages mapped after RecycleDataPages()")
	}
	ms.Release()
	ms.Release()
	dup.Release()

	if got := m.Frames.Available(); got != before {
		t.Errorf("Available() = %d, want %d", got, before)
	}
}
