package mm

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	// ErrBadAddress is returned when a user pointer covers a page that is
	// unmapped or lacks the required permissions.
	ErrBadAddress = errors.New("mm: bad user address")

	// ErrStringTooLong is returned when no NUL terminator is found within
	// MaxUserString bytes.
	ErrStringTooLong = errors.New("mm: user string too long")
)

// MaxUserString bounds the length of strings copied from user space.
const MaxUserString = 4096

// UserAccess returns the physical byte slices backing [va, va+n), one per
// page touched. Every page must be valid and carry all of the need flags.
func UserAccess(tr Translator, va, n uint64, need PTEFlag) ([][]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if va+n < va || va+n > MaxVA {
		return nil, ErrBadAddress
	}

	mem := tr.Memory()
	var out [][]byte
	for end := va + n; va < end; {
		pte, ok := tr.Translate(PageFromAddress(va))
		if !ok || !pte.HasFlags(need) {
			return nil, ErrBadAddress
		}

		off := PageOffset(va)
		chunk := min(PageSize-off, end-va)
		out = append(out, mem.Frame(pte.Frame())[off:off+chunk])
		va += chunk
	}
	return out, nil
}

// TranslatedByteBuffer translates a user buffer into per-page slices.
func TranslatedByteBuffer(tr Translator, ptr, n uint64) ([][]byte, error) {
	return UserAccess(tr, ptr, n, FlagValid|FlagUser)
}

// TranslatedStr copies the NUL terminated user string at ptr.
func TranslatedStr(tr Translator, ptr uint64) (string, error) {
	var buf []byte
	for va := ptr; len(buf) < MaxUserString; {
		chunk, err := TranslatedByteBuffer(tr, va, min(PageSize-PageOffset(va), uint64(MaxUserString-len(buf))))
		if err != nil {
			return "", err
		}
		page := chunk[0]
		if i := bytes.IndexByte(page, 0); i >= 0 {
			return string(append(buf, page[:i]...)), nil
		}
		buf = append(buf, page...)
		va += uint64(len(page))
	}
	return "", ErrStringTooLong
}

// ScatterWrite copies src across the slices of dst in order and returns the
// number of bytes copied.
func ScatterWrite(dst [][]byte, src []byte) int {
	n := 0
	for _, b := range dst {
		if len(src) == 0 {
			break
		}
		c := copy(b, src)
		src = src[c:]
		n += c
	}
	return n
}

// GatherRead fills dst from the slices of src in order and returns the number
// of bytes copied.
func GatherRead(dst []byte, src [][]byte) int {
	n := 0
	for _, b := range src {
		if len(dst) == 0 {
			break
		}
		c := copy(dst, b)
		dst = dst[c:]
		n += c
	}
	return n
}

// WriteValue encodes v in little-endian C layout and scatters it into user
// memory at ptr. The value may straddle pages.
func WriteValue(tr Translator, ptr uint64, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return err
	}
	dst, err := TranslatedByteBuffer(tr, ptr, uint64(buf.Len()))
	if err != nil {
		return err
	}
	ScatterWrite(dst, buf.Bytes())
	return nil
}

// ReadValue gathers binary.Size(v) bytes from user memory at ptr and decodes
// them into v, which must be a pointer to a fixed-size value.
func ReadValue(tr Translator, ptr uint64, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return errors.New("mm: value has no fixed size")
	}
	src, err := TranslatedByteBuffer(tr, ptr, uint64(size))
	if err != nil {
		return err
	}
	raw := make([]byte, size)
	GatherRead(raw, src)
	return binary.Read(bytes.NewReader(raw), binary.LittleEndian, v)
}

// UserBuffer is a user memory range already translated to physical slices.
type UserBuffer struct {
	Buffers [][]byte
}

// NewUserBuffer wraps translated slices.
func NewUserBuffer(buffers [][]byte) UserBuffer {
	return UserBuffer{Buffers: buffers}
}

// Len returns the total length of the buffer.
func (b UserBuffer) Len() int {
	n := 0
	for _, s := range b.Buffers {
		n += len(s)
	}
	return n
}

// CopyFrom fills the buffer from src and returns the bytes copied.
func (b UserBuffer) CopyFrom(src []byte) int {
	return ScatterWrite(b.Buffers, src)
}

// Bytes returns a contiguous copy of the buffer contents.
func (b UserBuffer) Bytes() []byte {
	out := make([]byte, b.Len())
	GatherRead(out, b.Buffers)
	return out
}
