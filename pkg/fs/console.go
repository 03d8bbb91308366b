package fs

import (
	"io"

	"taskos/pkg/mm"
)

// Stdin is the read-only console file.
type Stdin struct {
	r io.Reader
}

// NewStdin returns a console input file reading from r. A nil reader is
// an empty console.
func NewStdin(r io.Reader) *Stdin {
	if r == nil {
		r = eofReader{}
	}
	return &Stdin{r: r}
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func (s *Stdin) Readable() bool { return true }
func (s *Stdin) Writable() bool { return false }

// Read fills the first slice of buf with whatever one read of the console
// returns. End of input reads as zero bytes.
func (s *Stdin) Read(buf mm.UserBuffer) (int, error) {
	for _, b := range buf.Buffers {
		if len(b) == 0 {
			continue
		}
		n, err := s.r.Read(b)
		if err == io.EOF {
			err = nil
		}
		return n, err
	}
	return 0, nil
}

func (s *Stdin) Write(mm.UserBuffer) (int, error) {
	return 0, ErrNotWritable
}

func (s *Stdin) Close() error { return nil }

// Stdout is the write-only console file. Stderr shares it.
type Stdout struct {
	w io.Writer
}

// NewStdout returns a console output file writing to w. A nil writer
// discards output.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = io.Discard
	}
	return &Stdout{w: w}
}

func (s *Stdout) Readable() bool { return false }
func (s *Stdout) Writable() bool { return true }

func (s *Stdout) Read(mm.UserBuffer) (int, error) {
	return 0, ErrNotReadable
}

// Write copies every slice of buf to the console.
func (s *Stdout) Write(buf mm.UserBuffer) (int, error) {
	total := 0
	for _, b := range buf.Buffers {
		n, err := s.w.Write(b)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Stdout) Close() error { return nil }
