package main

import (
	"bytes"
	"io"
	"unicode/utf8"

	tty "github.com/mattn/go-tty"
)

// eot is Ctrl-D, read as end of input.
const eot = 0x04

// terminal is a raw-mode console. Reads return one rune at a time and
// writes translate newlines for the raw terminal.
type terminal struct {
	tty     *tty.TTY
	restore func() error
	pending []byte
}

func openTerminal() (*terminal, error) {
	t, err := tty.Open()
	if err != nil {
		return nil, err
	}
	restore, err := t.Raw()
	if err != nil {
		t.Close()
		return nil, err
	}
	return &terminal{tty: t, restore: restore}, nil
}

func (t *terminal) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(t.pending) == 0 {
		r, err := t.tty.ReadRune()
		if err != nil {
			return 0, err
		}
		if r == eot {
			return 0, io.EOF
		}
		t.pending = utf8.AppendRune(nil, r)
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *terminal) Write(p []byte) (int, error) {
	if _, err := t.tty.Output().Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *terminal) Close() error {
	t.restore()
	return t.tty.Close()
}
