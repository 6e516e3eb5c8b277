// Package archive packs and unpacks directory trees as tar streams with
// optional zstd or gzip compression.
//
// It preserves what an overlay upper layer needs to round-trip exactly:
// regular files, directories, symlinks, hard links, whiteout character
// devices and extended attributes (overlay opaque markers).
package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the stream codec.
type Compression string

const (
	None Compression = "none"
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
)

const xattrPrefix = "SCHILY.xattr."

// sniffLen covers the tar header magic at offset 257.
const sniffLen = 3072

// Options configures Pack.
type Options struct {
	Compression Compression
	// Excludes are doublestar patterns matched against slash-separated paths
	// relative to the source root. A matching directory skips its subtree.
	Excludes []string
}

// Result summarises a pack or unpack.
type Result struct {
	Files        int
	ContentBytes int64
	ArchiveBytes int64
}

type entry struct {
	rel  string
	path string
	info fs.FileInfo
}

// Pack writes the tree under src into a tar archive at dst. The archive is
// written to a temporary sibling and renamed into place once complete.
func Pack(ctx context.Context, src, dst string, opts Options) (Result, error) {
	for _, pattern := range opts.Excludes {
		if !doublestar.ValidatePattern(pattern) {
			return Result{}, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	entries, err := collect(ctx, src, opts.Excludes)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Result{}, fmt.Errorf("create archive dir: %w", err)
	}

	partial := dst + ".partial"
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return Result{}, fmt.Errorf("create archive: %w", err)
	}

	res, err := writeArchive(ctx, out, entries, opts.Compression)
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partial)
		return Result{}, err
	}

	if err := os.Rename(partial, dst); err != nil {
		os.Remove(partial)
		return Result{}, fmt.Errorf("finalize archive: %w", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return Result{}, fmt.Errorf("stat archive: %w", err)
	}
	res.ArchiveBytes = info.Size()
	return res, nil
}

// collect walks src concurrently and returns entries in lexical order so
// parents precede children in the archive.
func collect(ctx context.Context, src string, excludes []string) ([]entry, error) {
	var (
		mu      sync.Mutex
		entries []entry
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, src, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return err
		}
		if path == src {
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if excluded(rel, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		mu.Lock()
		entries = append(entries, entry{rel: rel, path: path, info: info})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", src, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	return entries, nil
}

func excluded(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func writeArchive(ctx context.Context, out io.Writer, entries []entry, compression Compression) (Result, error) {
	var (
		sink   io.WriteCloser
		result Result
	)

	buffered := bufio.NewWriterSize(out, 1<<20)
	switch compression {
	case Zstd:
		zw, err := zstd.NewWriter(buffered)
		if err != nil {
			return result, fmt.Errorf("zstd writer: %w", err)
		}
		sink = zw
	case Gzip:
		sink = gzip.NewWriter(buffered)
	default:
		sink = nopCloser{buffered}
	}

	tw := tar.NewWriter(sink)
	links := make(map[inodeKey]string)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		hdr, err := header(e, links)
		if err != nil {
			return result, err
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return result, fmt.Errorf("write header %s: %w", e.rel, err)
		}

		if hdr.Typeflag == tar.TypeReg {
			n, err := copyFile(tw, e.path)
			if err != nil {
				return result, err
			}
			result.ContentBytes += n
			result.Files++
		}
	}

	if err := tw.Close(); err != nil {
		return result, fmt.Errorf("close tar: %w", err)
	}
	if err := sink.Close(); err != nil {
		return result, fmt.Errorf("close compressor: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return result, fmt.Errorf("flush archive: %w", err)
	}
	return result, nil
}

func header(e entry, links map[inodeKey]string) (*tar.Header, error) {
	var linkTarget string
	if e.info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(e.path)
		if err != nil {
			return nil, fmt.Errorf("readlink %s: %w", e.rel, err)
		}
		linkTarget = target
	}

	hdr, err := tar.FileInfoHeader(e.info, linkTarget)
	if err != nil {
		return nil, fmt.Errorf("header %s: %w", e.rel, err)
	}
	hdr.Name = e.rel
	if e.info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Format = tar.FormatPAX

	// Hard links inside the layer are stored once.
	if key, nlink, ok := inodeOf(e.info); ok && e.info.Mode().IsRegular() && nlink > 1 {
		if first, seen := links[key]; seen {
			hdr.Typeflag = tar.TypeLink
			hdr.Linkname = first
			hdr.Size = 0
		} else {
			links[key] = e.rel
		}
	}

	attrs, err := readXattrs(e.path)
	if err != nil {
		return nil, fmt.Errorf("xattrs %s: %w", e.rel, err)
	}
	if len(attrs) > 0 {
		hdr.PAXRecords = make(map[string]string, len(attrs))
		for name, value := range attrs {
			hdr.PAXRecords[xattrPrefix+name] = value
		}
	}
	return hdr, nil
}

func copyFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", path, err)
	}
	return n, nil
}

// Unpack extracts archivePath into dest, detecting compression from the
// stream header.
func Unpack(ctx context.Context, archivePath, dest string) (Result, error) {
	var result Result

	f, err := os.Open(archivePath)
	if err != nil {
		return result, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return result, err
	}
	result.ArchiveBytes = info.Size()

	br := bufio.NewReaderSize(f, 1<<20)
	stream, closeStream, err := decompressor(br)
	if err != nil {
		return result, err
	}
	defer closeStream()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return result, fmt.Errorf("create destination: %w", err)
	}
	root := filepath.Clean(dest)
	tr := tar.NewReader(stream)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("read archive: %w", err)
		}

		target := filepath.Join(root, hdr.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return result, fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		n, err := extractEntry(tr, hdr, root, target)
		if err != nil {
			return result, err
		}
		if hdr.Typeflag == tar.TypeReg {
			result.Files++
			result.ContentBytes += n
		}
	}

	return result, nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, root, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create parent of %s: %w", hdr.Name, err)
	}

	var written int64
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return 0, fmt.Errorf("mkdir %s: %w", hdr.Name, err)
		}
	case tar.TypeReg:
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return 0, fmt.Errorf("create %s: %w", hdr.Name, err)
		}
		written, err = io.Copy(out, tr)
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return written, fmt.Errorf("write %s: %w", hdr.Name, err)
		}
	case tar.TypeSymlink:
		os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return 0, fmt.Errorf("symlink %s: %w", hdr.Name, err)
		}
	case tar.TypeLink:
		source := filepath.Join(root, hdr.Linkname)
		if !strings.HasPrefix(source, root+string(os.PathSeparator)) {
			return 0, fmt.Errorf("hard link %q escapes destination", hdr.Linkname)
		}
		os.Remove(target)
		if err := os.Link(source, target); err != nil {
			return 0, fmt.Errorf("link %s: %w", hdr.Name, err)
		}
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		if err := mknod(target, hdr); err != nil {
			return 0, fmt.Errorf("mknod %s: %w", hdr.Name, err)
		}
	default:
		return 0, nil
	}

	if hdr.Typeflag != tar.TypeSymlink && hdr.Typeflag != tar.TypeLink {
		if err := os.Chmod(target, fs.FileMode(hdr.Mode).Perm()|modeBits(hdr.Mode)); err != nil {
			return written, fmt.Errorf("chmod %s: %w", hdr.Name, err)
		}
	}

	attrs := make(map[string]string)
	for key, value := range hdr.PAXRecords {
		if name, ok := strings.CutPrefix(key, xattrPrefix); ok {
			attrs[name] = value
		}
	}
	if err := writeXattrs(target, attrs); err != nil {
		return written, fmt.Errorf("xattrs %s: %w", hdr.Name, err)
	}

	if hdr.Typeflag == tar.TypeReg {
		if err := os.Chtimes(target, hdr.AccessTime, hdr.ModTime); err != nil {
			return written, fmt.Errorf("chtimes %s: %w", hdr.Name, err)
		}
	}
	return written, nil
}

func modeBits(mode int64) fs.FileMode {
	var m fs.FileMode
	if mode&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if mode&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if mode&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	return m
}

func decompressor(br *bufio.Reader) (io.Reader, func(), error) {
	head, _ := br.Peek(sniffLen)
	mtype := mimetype.Detect(head)
	switch {
	case mtype.Is("application/zstd"):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	case mtype.Is("application/gzip"):
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip reader: %w", err)
		}
		return gr, func() { gr.Close() }, nil
	case mtype.Is("application/x-tar"), mtype.Is("application/octet-stream"):
		// An archive of an empty tree is all zero blocks and sniffs as binary.
		return br, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("not an archive: content is %s", mtype.String())
	}
}

// DirSize returns the recursive sum of regular file sizes under root.
// A missing root has size zero.
func DirSize(ctx context.Context, root string) (int64, error) {
	if _, err := os.Lstat(root); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	var total atomic.Int64
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total.Add(info.Size())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", root, err)
	}
	return total.Load(), nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
