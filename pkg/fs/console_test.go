package fs

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"taskos/pkg/mm"
)

func TestConsole(t *testing.T) {
	in := NewStdin(strings.NewReader("ab"))
	buf := mm.NewUserBuffer([][]byte{make([]byte, 1)})
	if n, err := in.Read(buf); n != 1 || err != nil || buf.Buffers[0][0] != 'a' {
		t.Errorf("Stdin.Read() = %d, %v, %q", n, err, buf.Buffers[0])
	}
	in.Read(buf)
	if n, err := in.Read(buf); n != 0 || err != nil {
		t.Errorf("Stdin.Read() at EOF = %d, %v, want 0, nil", n, err)
	}
	if _, err := in.Write(buf); !errors.Is(err, ErrNotWritable) {
		t.Errorf("Stdin.Write() error = %v", err)
	}

	var out bytes.Buffer
	stdout := NewStdout(&out)
	n, err := stdout.Write(mm.NewUserBuffer([][]byte{[]byte("hel"), []byte("lo\n")}))
	if n != 6 || err != nil || out.String() != "hello\n" {
		t.Errorf("Stdout.Write() = %d, %v, %q", n, err, out.String())
	}
	if stdout.Readable() || !stdout.Writable() || !in.Readable() || in.Writable() {
		t.Error("console permissions are wrong")
	}
}

func TestClean(t *testing.T) {
	tests := map[string]string{
		"":        "/",
		"a":       "/a",
		"/a/./b":  "/a/b",
		"/a/../b": "/b",
		"../../x": "/x",
		"//a//":   "/a",
	}
	for in, want := range tests {
		if got := Clean(in); got != want {
			t.Errorf("Clean(%q) = %q, want %q", in, got, want)
		}
	}
}
