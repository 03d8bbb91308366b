// Package image writes minimal ELF64 executables: a file header followed by
// program headers and segment data, with no section table.
package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNoSegments is returned when building an image with nothing to load.
var ErrNoSegments = errors.New("image: no segments")

const (
	headerSize   = 64
	phdrSize     = 56
	segmentAlign = 0x1000
)

// Segment is one loadable segment of an executable.
type Segment struct {
	Vaddr uint64
	Flags elf.ProgFlag
	Data  []byte
	// MemSize is the size of the segment in memory. Bytes past len(Data)
	// are zero-filled by the loader. Zero means len(Data).
	MemSize uint64
}

// Build returns an ELF64 little-endian RISC-V executable with entry as its
// entry point. Each segment's file offset is congruent to its virtual
// address modulo the page size.
func Build(entry uint64, segments ...Segment) ([]byte, error) {
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	progs := make([]elf.Prog64, len(segments))
	offset := uint64(headerSize + phdrSize*len(segments))
	for i, seg := range segments {
		memsz := seg.MemSize
		if memsz == 0 {
			memsz = uint64(len(seg.Data))
		}
		if memsz < uint64(len(seg.Data)) {
			return nil, fmt.Errorf("image: segment %d: memory size %d below file size %d", i, memsz, len(seg.Data))
		}

		offset = alignTo(offset, seg.Vaddr)
		progs[i] = elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(seg.Flags),
			Off:    offset,
			Vaddr:  seg.Vaddr,
			Paddr:  seg.Vaddr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  memsz,
			Align:  segmentAlign,
		}
		offset += uint64(len(seg.Data))
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	for i := range progs {
		if err := binary.Write(&buf, binary.LittleEndian, &progs[i]); err != nil {
			return nil, err
		}
	}
	for i, seg := range segments {
		pad := int(progs[i].Off) - buf.Len()
		buf.Write(make([]byte, pad))
		buf.Write(seg.Data)
	}
	return buf.Bytes(), nil
}

// alignTo returns the first offset at or above off that is congruent to
// vaddr modulo segmentAlign.
func alignTo(off, vaddr uint64) uint64 {
	want := vaddr % segmentAlign
	if off%segmentAlign <= want {
		return off - off%segmentAlign + want
	}
	return off - off%segmentAlign + segmentAlign + want
}
