// Package archive streams members out of ZIP and RAR containers into an
// isolated temporary directory, enforcing path-traversal and
// decompression-bomb guards as it goes. Format dispatch is a small tagged
// table keyed by filename suffix, never runtime attribute lookup.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/prohibitedtv/telecap/internal/errs"
)

// ErrPasswordRequired is returned by Next when a member is encrypted and no
// password was supplied. The spec treats this as a terminal, non-fatal job
// failure rather than a crash.
var ErrPasswordRequired = errors.New("archive member requires a password")

// Member describes one regular file extracted from the archive: its path as
// recorded inside the container, and where its bytes landed on disk.
type Member struct {
	RelativePath string
	DiskPath     string
	Size         int64
}

// Options bounds the resources an extraction is allowed to consume.
type Options struct {
	// MaxDecompressedBytes is the cumulative uncompressed-bytes ceiling
	// across the whole archive.
	MaxDecompressedBytes int64
	// MaxDecompressionRatio is the maximum allowed
	// uncompressed-size/compressed-size for any single member.
	MaxDecompressionRatio int
}

// memberSource is the per-format capability an underlying decoder must
// provide; zipSource and rarSource implement it.
type memberSource interface {
	// next advances to the next member, returning io.EOF when exhausted.
	next() (header memberHeader, body io.Reader, err error)
	close() error
}

type memberHeader struct {
	name             string
	isDir            bool
	isSymlink        bool
	isDevice         bool
	encrypted        bool
	compressedSize   int64
	uncompressedSize int64
}

// Extractor streams Member values out of a single archive file, enforcing
// the traversal and bomb guards as each member is materialized. Extractor is not
// safe for concurrent use; callers extract archives one at a time per job.
type Extractor struct {
	opts        Options
	destRoot    string
	src         memberSource
	cumulative  int64
	closeOnce   bool
}

// dispatch maps a lowercased filename suffix to the constructor for its
// decoder. Adding a new container format means adding one row here.
var dispatch = map[string]func(path string) (memberSource, error){
	".zip": newZipSource,
	".rar": newRarSource,
}

// Supported reports whether filename's suffix is a container format this
// package can extract.
func Supported(filename string) bool {
	_, ok := dispatch[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// Open prepares to stream members out of the archive at archivePath into a
// fresh destDir (created if necessary). The caller must call Close when done,
// on every exit path, to release the underlying decoder.
func Open(archivePath, destDir string, opts Options) (*Extractor, error) {
	ctor, ok := dispatch[strings.ToLower(filepath.Ext(archivePath))]
	if !ok {
		return nil, fmt.Errorf("unsupported archive format %q", filepath.Ext(archivePath))
	}
	if opts.MaxDecompressedBytes <= 0 {
		opts.MaxDecompressedBytes = 2 << 30
	}
	if opts.MaxDecompressionRatio <= 0 {
		opts.MaxDecompressionRatio = 100
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, errs.New(errs.ClassStorageIO, fmt.Errorf("create extraction root: %w", err))
	}
	absRoot, err := filepath.Abs(destDir)
	if err != nil {
		return nil, errs.New(errs.ClassStorageIO, err)
	}
	src, err := ctor(archivePath)
	if err != nil {
		return nil, err
	}
	return &Extractor{opts: opts, destRoot: absRoot, src: src}, nil
}

// Close releases the underlying decoder. Safe to call multiple times.
func (e *Extractor) Close() error {
	if e.closeOnce {
		return nil
	}
	e.closeOnce = true
	return e.src.close()
}

// Next extracts the next regular file member to disk inside the extraction
// root and returns it. It returns io.EOF once every member has been
// consumed. Symlinks and device nodes are silently skipped (Next advances
// past them internally). An encrypted member yields ErrPasswordRequired. A
// path escaping destRoot, or a decompression-bomb guard trip, yields a
// errs.ClassUnsafeArchive error.
func (e *Extractor) Next(ctx context.Context) (Member, error) {
	for {
		select {
		case <-ctx.Done():
			return Member{}, ctx.Err()
		default:
		}

		header, body, err := e.src.next()
		if err != nil {
			return Member{}, err
		}
		if header.isDir {
			continue
		}
		if header.isSymlink || header.isDevice {
			continue
		}
		if header.encrypted {
			return Member{}, ErrPasswordRequired
		}

		targetPath, err := safeJoin(e.destRoot, header.name)
		if err != nil {
			return Member{}, errs.New(errs.ClassUnsafeArchive, err)
		}

		if err := e.checkBomb(header); err != nil {
			return Member{}, err
		}

		n, err := e.extractMember(targetPath, body, header)
		if err != nil {
			return Member{}, err
		}

		return Member{RelativePath: header.name, DiskPath: targetPath, Size: n}, nil
	}
}

// checkBomb enforces the per-member ratio ceiling and updates (and checks)
// the cumulative uncompressed-bytes ceiling for the whole archive.
func (e *Extractor) checkBomb(header memberHeader) error {
	if header.compressedSize > 0 {
		ratio := header.uncompressedSize / header.compressedSize
		if int(ratio) > e.opts.MaxDecompressionRatio {
			return errs.Newf(errs.ClassUnsafeArchive, "member %q exceeds decompression ratio guard (%dx > %dx)", header.name, ratio, e.opts.MaxDecompressionRatio)
		}
	}
	e.cumulative += header.uncompressedSize
	if e.cumulative > e.opts.MaxDecompressedBytes {
		return errs.Newf(errs.ClassUnsafeArchive, "cumulative decompressed size %d exceeds ceiling %d", e.cumulative, e.opts.MaxDecompressedBytes)
	}
	return nil
}

// extractMember copies body to targetPath, re-checking the cumulative ceiling
// as bytes arrive in case the header's advertised size understated the
// actual stream (malformed or adversarial archives).
func (e *Extractor) extractMember(targetPath string, body io.Reader, header memberHeader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return 0, errs.New(errs.ClassStorageIO, err)
	}
	f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, errs.New(errs.ClassStorageIO, err)
	}
	defer f.Close()
	if closer, ok := body.(io.Closer); ok {
		defer closer.Close()
	}

	limit := e.opts.MaxDecompressedBytes - e.cumulative + header.uncompressedSize
	guarded := &limitedWriter{w: f, remaining: limit + 1}
	n, err := io.Copy(guarded, body)
	if err != nil {
		if errors.Is(err, errBombLimitExceeded) {
			return n, errs.Newf(errs.ClassUnsafeArchive, "member %q exceeded the decompression ceiling mid-stream", header.name)
		}
		return n, errs.New(errs.ClassStorageIO, err)
	}
	return n, nil
}

// safeJoin resolves name against root and guarantees the result stays inside
// root, rejecting absolute paths and any ".." component that escapes it.
func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("member path %q is absolute", name)
	}
	target := filepath.Join(root, name)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("member path %q escapes extraction root", name)
	}
	return target, nil
}

var errBombLimitExceeded = errors.New("decompression bomb limit exceeded")

// limitedWriter aborts writes once remaining bytes are exhausted, giving
// extractMember a mid-stream guard independent of the archive's (possibly
// forged) advertised uncompressed size.
type limitedWriter struct {
	w         io.Writer
	remaining int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, errBombLimitExceeded
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	return n, err
}
