package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAvailableFilepathNoCollision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requests-2.31.0.tar.gz")
	got, err := AvailableFilepath(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Fatalf("got %q, want %q", got, path)
	}
}

func TestAvailableFilepathTarGzCollision(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "requests-2.31.0.tar.gz")
	if err := os.WriteFile(base, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := AvailableFilepath(base)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "requests-2.31.0(1).tar.gz")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAvailableFilepathIncrements(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "pkg.whl")
	if err := os.WriteFile(base, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	first := filepath.Join(dir, "pkg(1).whl")
	if err := os.WriteFile(first, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := AvailableFilepath(base)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "pkg(2).whl")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExtractTarGzDirName(t *testing.T) {
	if got := scratchDirName("requests-2.31.0.tar.gz"); got != "requests-2.31.0" {
		t.Fatalf("scratchDirName = %q", got)
	}
	if got := scratchDirName("requests-2.31.0(1).tar.gz"); got != "requests-2.31.0(1)" {
		t.Fatalf("scratchDirName = %q", got)
	}
	if got := scratchDirName("requests-2.31.0-py3-none-any.whl"); got != "requests-2.31.0-py3-none-any" {
		t.Fatalf("scratchDirName = %q", got)
	}
}
