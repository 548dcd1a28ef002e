package archive

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
)

// ErrPackaging is returned when the project cannot be read or the archive
// cannot be written.
var ErrPackaging = errors.New("packaging error")

// Fixed entry names of the outer archive
const (
	InnerName     = "extension.zip"
	SignatureName = "extension.zip.sig"
)

// AssembleInner zips every regular file under dir, keyed by its slash
// separated path relative to dir. Entries are written in lexical order.
// A symlink to a regular file is stored with the target's content under the
// link's own path; any other non-regular entry fails the build.
func AssembleInner(dir string) ([]byte, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrPackaging, dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return nil
		case d.Type().IsRegular():
			files = append(files, path)
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("broken link %s: %w", path, err)
			}
			if !target.Mode().IsRegular() {
				return fmt.Errorf("%s links to a non-regular file", path)
			}
			files = append(files, path)
			return nil
		default:
			return fmt.Errorf("%s is not a regular file", path)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to walk %s: %v", ErrPackaging, dir, err)
	}
	sort.Strings(files)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
		}
		if err := addFile(zw, filepath.ToSlash(rel), path); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: failed to finish archive: %v", ErrPackaging, err)
	}
	return buf.Bytes(), nil
}

func addFile(zw *zip.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("%w: failed to add %s: %v", ErrPackaging, name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("%w: failed to add %s: %v", ErrPackaging, name, err)
	}
	return nil
}

// AssembleOuter wraps the inner archive and its detached signature in the
// distributable container. It always holds exactly two entries.
func AssembleOuter(inner, signature []byte) ([]byte, error) {
	if len(inner) == 0 {
		return nil, fmt.Errorf("%w: empty inner archive", ErrPackaging)
	}
	if len(signature) == 0 {
		return nil, fmt.Errorf("%w: empty signature", ErrPackaging)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range []struct {
		name string
		data []byte
	}{
		{InnerName, inner},
		{SignatureName, signature},
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to add %s: %v", ErrPackaging, e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("%w: failed to add %s: %v", ErrPackaging, e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: failed to finish archive: %v", ErrPackaging, err)
	}
	return buf.Bytes(), nil
}

// Entries reads a zip archive fully into memory
func Entries(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		out[f.Name] = b
	}
	return out, nil
}

// SplitOuter returns the inner archive and signature held by an outer archive
func SplitOuter(outer []byte) (inner, signature []byte, err error) {
	entries, err := Entries(outer)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) != 2 {
		return nil, nil, fmt.Errorf("outer archive has %d entries, want 2", len(entries))
	}
	inner, ok := entries[InnerName]
	if !ok {
		return nil, nil, fmt.Errorf("outer archive is missing %s", InnerName)
	}
	signature, ok = entries[SignatureName]
	if !ok {
		return nil, nil, fmt.Errorf("outer archive is missing %s", SignatureName)
	}
	return inner, signature, nil
}

// Digest is the hex BLAKE3 fingerprint of b
func Digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
