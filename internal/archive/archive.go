// Package archive extracts the two artifact shapes PyPI serves: gzipped
// source tarballs and zip-based wheels, into a scratch directory, and
// resolves the filename collisions that arise from re-downloading artifacts
// into a shared scratch directory.
package archive

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// AvailableFilepath returns a filesystem path that does not currently exist,
// derived from path by inserting "(1)", "(2)", ... before the extension if
// path is already taken. Double-extension files (".tar.gz") are recognized
// so the inserted counter lands before ".tar.gz", not before ".gz".
func AvailableFilepath(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	} else if err != nil {
		return "", err
	}

	dir, name := filepath.Split(path)
	base, ext := splitDoubleExt(name)

	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s(%d)%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}

func splitDoubleExt(name string) (base, ext string) {
	ext = filepath.Ext(name)
	base = strings.TrimSuffix(name, ext)
	if strings.EqualFold(ext, ".gz") && strings.HasSuffix(strings.ToLower(base), ".tar") {
		tarExt := filepath.Ext(base)
		base = strings.TrimSuffix(base, tarExt)
		ext = tarExt + ext
	}
	return base, ext
}

// scratchDirName derives the extraction directory name for an archive file,
// stripping its (possibly double) extension.
func scratchDirName(archivePath string) string {
	_, name := filepath.Split(archivePath)
	base, _ := splitDoubleExt(name)
	return base
}

// ExtractTarGz extracts a .tar.gz source archive into destRoot/<basename>,
// creating that directory if needed, and returns its path.
func ExtractTarGz(sourcePath, destRoot string) (string, error) {
	destDir := filepath.Join(destRoot, scratchDirName(sourcePath))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading tar entry: %w", err)
		}
		if err := extractTarEntry(destDir, hdr, tr); err != nil {
			return "", err
		}
	}
	return destDir, nil
}

func extractTarEntry(destDir string, hdr *tar.Header, r io.Reader) error {
	target, err := safeJoin(destDir, hdr.Name)
	if err != nil {
		return err
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode(hdr.Mode))
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, r)
		return err
	default:
		// Symlinks and other special entries are skipped; source
		// archives for Python packages do not rely on them.
		return nil
	}
}

func fileMode(mode int64) os.FileMode {
	m := os.FileMode(mode & 0o777)
	if m == 0 {
		m = 0o644
	}
	return m
}

// ExtractWheel extracts a .whl (zip) archive into destRoot/<basename>,
// creating that directory if needed, and returns its path.
func ExtractWheel(sourcePath, destRoot string) (string, error) {
	destDir := filepath.Join(destRoot, scratchDirName(sourcePath))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}

	zr, err := zip.OpenReader(sourcePath)
	if err != nil {
		return "", fmt.Errorf("opening zip archive: %w", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if err := extractZipEntry(destDir, zf); err != nil {
			return "", err
		}
	}
	return destDir, nil
}

func extractZipEntry(destDir string, zf *zip.File) error {
	target, err := safeJoin(destDir, zf.Name)
	if err != nil {
		return err
	}
	if zf.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, zf.Mode()|0o200)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}

// safeJoin joins base and name, rejecting archive entries that attempt to
// escape the destination directory via "../" path segments (a zip-slip
// guard; the tar/zip formats themselves place no restriction on entry
// names).
func safeJoin(base, name string) (string, error) {
	target := filepath.Join(base, name)
	if !strings.HasPrefix(target, filepath.Clean(base)+string(os.PathSeparator)) && target != filepath.Clean(base) {
		return "", fmt.Errorf("archive entry %q escapes destination directory", name)
	}
	return target, nil
}

// RemoveAll removes an extraction scratch directory, ignoring a missing
// directory.
func RemoveAll(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
