package loader

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

// Decoding is a pure function of the input bytes: the same buffer must
// produce structurally identical images on every call.
func TestDecodeIdempotent(t *testing.T) {
	fixtures := map[string][]byte{
		"elf64":   elfFixture64(binary.LittleEndian),
		"elf32be": elfFixture32(binary.BigEndian),
		"macho64": machoFixture64(machoEntryMain),
		"pe32":    peFixture(32),
	}
	for name, buf := range fixtures {
		first, err := Decode(buf)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		second, err := Decode(buf)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("%s: images differ (-first +second):\n%s", name, diff)
		}
	}
}

func TestDecodeLeavesInputIntact(t *testing.T) {
	buf := elfFixture64(binary.LittleEndian)
	orig := append([]byte(nil), buf...)
	if _, err := Decode(buf); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(orig, buf); diff != "" {
		t.Errorf("input mutated:\n%s", diff)
	}
}

func TestSymbolicate(t *testing.T) {
	img, err := Decode(elfFixture64(binary.LittleEndian))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		addr uint64
		want string
	}{
		{0x401000, "main"},
		{0x401010, "main+0x10"},
		{0x40103f, "main+0x3f"},
		{0x401040, ""}, // gap past main's extent
		{0x401084, "data_obj+0x4"},
		{0x401108, "puts+0x8"},
		{0, ""},
	}
	for _, tt := range tests {
		if got := img.Symbolicate(tt.addr); got != tt.want {
			t.Errorf("0x%x: got %q want %q", tt.addr, got, tt.want)
		}
	}
}

func TestDecodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.out")
	if err := os.WriteFile(path, elfFixture64(binary.LittleEndian), 0o644); err != nil {
		t.Fatal(err)
	}
	img, err := DecodeFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if img.Entry != 0x401000 {
		t.Fatalf("entry 0x%x", img.Entry)
	}
}

func TestDecodeFileMissing(t *testing.T) {
	_, err := DecodeFile(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrFormat) || errors.Is(err, ErrDecode) {
		t.Fatalf("io failure dressed as a decode error: %v", err)
	}
}
