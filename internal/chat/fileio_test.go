package chat

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
)

func testConfig(t *testing.T, downloadDir string) Config {
	t.Helper()
	cfg, err := NewConfig(WithDownloadDirectory(downloadDir), WithMaxFileBytes(1<<20))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	return cfg
}

func TestFileStagingPrepareAndReceiveRoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "photo.png")
	if err := os.WriteFile(src, []byte("not-really-a-png"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	downloadDir := t.TempDir()
	cfg := testConfig(t, downloadDir)
	staging := NewFileStaging(cfg)

	file, err := staging.Prepare(src)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if file.Name != "photo.png" || file.Size != uint64(len("not-really-a-png")) {
		t.Fatalf("unexpected staged file: %+v", file)
	}

	savedPath, err := staging.Receive(file)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	got, err := os.ReadFile(savedPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "not-really-a-png" {
		t.Fatalf("got content %q", got)
	}
}

func TestFileStagingPrepareTooLarge(t *testing.T) {
	src := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(src, make([]byte, 100), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := NewConfig(WithDownloadDirectory(t.TempDir()), WithMaxFileBytes(10))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	staging := NewFileStaging(cfg)

	_, err = staging.Prepare(src)
	if _, ok := err.(*FileTooLarge); !ok {
		t.Fatalf("got %v (%T), want *FileTooLarge", err, err)
	}
}

func TestFileStagingReceiveIntegrityFailure(t *testing.T) {
	downloadDir := t.TempDir()
	cfg := testConfig(t, downloadDir)
	staging := NewFileStaging(cfg)

	file := &File{Name: "corrupt.txt", Size: 999, ContentHash: [32]byte{1}, Bytes: []byte("short")}
	_, err := staging.Receive(file)
	if _, ok := err.(*IntegrityFailed); !ok {
		t.Fatalf("got %v (%T), want *IntegrityFailed", err, err)
	}
}

func TestFileStagingCollisionSuffix(t *testing.T) {
	downloadDir := t.TempDir()
	cfg := testConfig(t, downloadDir)
	staging := NewFileStaging(cfg)

	content := []byte("same content each time")
	mk := func() *File {
		f := &File{Name: "dup.txt", Bytes: append([]byte(nil), content...)}
		f.Size = uint64(len(content))
		f.ContentHash = sha256.Sum256(content)
		return f
	}

	first, err := staging.Receive(mk())
	if err != nil {
		t.Fatalf("Receive first: %v", err)
	}
	second, err := staging.Receive(mk())
	if err != nil {
		t.Fatalf("Receive second: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct paths for colliding names, got %q twice", first)
	}
	if filepath.Base(second) != "dup (1).txt" {
		t.Fatalf("got %q, want a \" (1)\" suffixed name", second)
	}
}

func TestSanitizeNameRejectsTraversal(t *testing.T) {
	if _, err := sanitizeName("../../etc/passwd"); err == nil {
		t.Fatal("expected traversal path to be rejected")
	}
	if _, err := sanitizeName(""); err == nil {
		t.Fatal("expected empty name to be rejected")
	}
	got, err := sanitizeName("dir/sub/report.pdf")
	if err != nil {
		t.Fatalf("sanitizeName: %v", err)
	}
	if got != "report.pdf" {
		t.Fatalf("got %q, want directory components stripped", got)
	}
}
