package asm

import (
	"bytes"
	"debug/elf"
	"errors"
	"io"
	"testing"

	"taskos/pkg/hart"
)

func TestLinkLayout(t *testing.T) {
	b := New()
	b.La(A0, "msg").La(A1, "end").J("end")
	b.Label("end").Syscall(93)
	b.String("msg", "hi")
	b.Space("buf", 3)

	raw, err := b.Link()
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if f.Entry != TextBase || len(f.Progs) != 2 {
		t.Fatalf("entry %#x with %d segments", f.Entry, len(f.Progs))
	}
	if f.Progs[1].Vaddr != TextBase+pageSize {
		t.Errorf("data at %#x, want %#x", f.Progs[1].Vaddr, TextBase+pageSize)
	}

	code, _ := io.ReadAll(f.Progs[0].Open())
	inst := func(i int) hart.Inst {
		var w [hart.InstSize]byte
		copy(w[:], code[i*hart.InstSize:])
		return hart.Decode(w)
	}
	if got := inst(0).Imm; got != TextBase+pageSize {
		t.Errorf("la msg = %#x, want %#x", got, TextBase+pageSize)
	}
	if got := inst(1).Imm; got != TextBase+3*hart.InstSize {
		t.Errorf("la end = %#x, want %#x", got, TextBase+3*hart.InstSize)
	}
	if got := inst(2).Imm; got != hart.InstSize {
		t.Errorf("j offset = %d, want %d", got, hart.InstSize)
	}

	data, _ := io.ReadAll(f.Progs[1].Open())
	if !bytes.HasPrefix(data, []byte("hi\x00")) || len(data) != 16 {
		t.Errorf("data segment = %q", data)
	}
}

func TestLinkErrors(t *testing.T) {
	if _, err := New().J("nowhere").Link(); !errors.Is(err, ErrUndefinedLabel) {
		t.Errorf("Link() error = %v, want %v", err, ErrUndefinedLabel)
	}

	b := New().Label("a").Ecall().Label("a")
	if _, err := b.Link(); !errors.Is(err, ErrDuplicateLabel) {
		t.Errorf("Link() error = %v, want %v", err, ErrDuplicateLabel)
	}

	b = New().Ecall().String("a", "x").Space("a", 4)
	if _, err := b.Link(); !errors.Is(err, ErrDuplicateLabel) {
		t.Errorf("Link() error = %v, want %v", err, ErrDuplicateLabel)
	}

	if _, err := New().Link(); err == nil {
		t.Error("Link() of an empty program succeeded")
	}
}

func TestMustLinkPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustLink() did not panic")
		}
	}()
	New().Call("missing").MustLink()
}
