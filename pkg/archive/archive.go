// Package archive packs and unpacks deployment payloads. Packages are
// zstd-compressed tarballs; zip files are accepted on unpack.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// Format identifies an archive encoding.
type Format string

const (
	FormatTarZstd Format = "tar.zst"
	FormatZip     Format = "zip"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
)

// ErrUnsupported is returned for payloads that are neither tar.zst nor zip.
var ErrUnsupported = errors.New("unsupported archive format")

// ErrUnsafePath is returned for entries that would land outside the target.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Detect sniffs the format of the file at path.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	switch {
	case bytes.Equal(head, zstdMagic):
		return FormatTarZstd, nil
	case bytes.Equal(head, zipMagic):
		return FormatZip, nil
	default:
		return "", ErrUnsupported
	}
}

// Unpack extracts the archive at src into dst, creating dst if needed.
func Unpack(ctx context.Context, src, dst string) error {
	format, err := Detect(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	root, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	switch format {
	case FormatZip:
		return unpackZip(ctx, src, root)
	default:
		return unpackTarZstd(ctx, src, root)
	}
}

// target resolves name below root, rejecting absolute and parent-relative paths.
func target(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	full := filepath.Join(root, clean)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return full, nil
}

func unpackTarZstd(ctx context.Context, src, root string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(bufio.NewReader(file))
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %q", ErrUnsafePath, header.Name)
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		path, err := target(root, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o750); err != nil {
				return fmt.Errorf("mkdir %q: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(path, tr, fs.FileMode(header.Mode).Perm()); err != nil {
				return fmt.Errorf("extract %q: %w", header.Name, err)
			}
		default:
			// links and devices are never part of a package
		}
	}
}

func unpackZip(ctx context.Context, src, root string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, err := target(root, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o750); err != nil {
				return fmt.Errorf("mkdir %q: %w", f.Name, err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %q: %w", f.Name, err)
		}
		err = writeFile(path, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return fmt.Errorf("extract %q: %w", f.Name, err)
		}
	}
	return nil
}

func writeFile(path string, r io.Reader, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o640
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Pack writes every regular file below dir to w as a tar.zst stream. Entries
// are sorted so the same tree always packs to the same archive.
func Pack(ctx context.Context, dir string, w io.Writer) (int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", dir, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%q is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, errors.New("no files to pack")
	}
	sort.Strings(files)

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	for _, path := range files {
		if err := addFile(tw, dir, path); err != nil {
			tw.Close()
			encoder.Close()
			return 0, err
		}
	}
	if err := tw.Close(); err != nil {
		encoder.Close()
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	return len(files), nil
}

func addFile(tw *tar.Writer, root, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return fmt.Errorf("relative path for %q: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %q: %w", rel, err)
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", rel, err)
	}
	defer file.Close()

	header := &tar.Header{
		Name:     filepath.ToSlash(rel),
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  time.Unix(0, 0).UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", rel, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("copy %q: %w", rel, err)
	}
	return nil
}
