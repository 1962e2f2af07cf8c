package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

func TestChecksumMatchesChecksumBytes(t *testing.T) {
	payload := []byte("shared project content")

	got, err := Checksum(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if want := ChecksumBytes(payload); got != want {
		t.Fatalf("checksum mismatch: got=%s want=%s", got, want)
	}
	if len(got) != ChecksumSize*2 {
		t.Fatalf("unexpected hex length %d", len(got))
	}
}

func TestFileChecksum(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "dir/a.txt", []byte("alpha"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	got, err := FileChecksum(fs, "dir/a.txt")
	if err != nil {
		t.Fatalf("FileChecksum failed: %v", err)
	}
	if got != ChecksumBytes([]byte("alpha")) {
		t.Fatalf("unexpected checksum %s", got)
	}

	if _, err := FileChecksum(fs, "missing.txt"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestVerifyChecksum(t *testing.T) {
	sum := ChecksumBytes([]byte("x"))

	if err := VerifyChecksum("", sum); err != nil {
		t.Fatalf("empty expectation should pass: %v", err)
	}
	if err := VerifyChecksum(sum, sum); err != nil {
		t.Fatalf("equal checksums should pass: %v", err)
	}
	if err := VerifyChecksum(sum, ChecksumBytes([]byte("y"))); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestShortChecksum(t *testing.T) {
	sum := ChecksumBytes([]byte("x"))
	if got := ShortChecksum(sum); got != sum[:12] {
		t.Fatalf("ShortChecksum(%q) = %q", sum, got)
	}
	if got := ShortChecksum("abc"); got != "abc" {
		t.Fatalf("short input should be returned unchanged, got %q", got)
	}
}
