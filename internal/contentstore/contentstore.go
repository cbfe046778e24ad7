// Package contentstore maps a BLAKE2b-256 content hash to a file on disk
// using a hash-prefix directory fan-out: PutStream consumes a reader to EOF,
// hashes while writing to a temp file on the same filesystem, then atomically
// renames into place.
package contentstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prohibitedtv/telecap/internal/errs"
	"github.com/prohibitedtv/telecap/internal/hash"
)

// Store is a content-addressed filesystem area. All operations are safe for
// concurrent use: the only intentional synchronization point is the
// filesystem's own atomic rename semantics.
type Store struct {
	root string
}

// New constructs a Store rooted at root, creating the directory if it does
// not already exist.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errs.Newf(errs.ClassConfigInvalid, "content store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.New(errs.ClassStorageIO, fmt.Errorf("create content store root %s: %w", root, err))
	}
	return &Store{root: filepath.Clean(root)}, nil
}

// RelativePath computes the deterministic fan-out path for a hash without
// touching the filesystem: <hash[0:2]>/<hash[2:4]>/<hash>.
func RelativePath(digest string) (string, error) {
	if len(digest) < 4 {
		return "", fmt.Errorf("content hash %q is too short for fan-out layout", digest)
	}
	return filepath.Join(digest[0:2], digest[2:4], digest), nil
}

// Exists reports whether content with the given hash is already stored.
func (s *Store) Exists(digest string) (bool, error) {
	rel, err := RelativePath(digest)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.root, rel))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errs.New(errs.ClassStorageIO, err)
}

// Open returns a reader for the content at the given relative path (as
// returned by PutStream or RelativePath). The caller must close it.
func (s *Store) Open(relativePath string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, relativePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("content not found at %s", relativePath)
		}
		return nil, errs.New(errs.ClassStorageIO, err)
	}
	return f, nil
}

// Result describes the outcome of a successful PutStream.
type Result struct {
	Hash         string
	RelativePath string
	SizeBytes    int64
	// Deduplicated is true when content with this hash was already present in
	// the store before this call — the post-download half of the pipeline's
	// two-stage dedup. The temp file was discarded rather than renamed into
	// place.
	Deduplicated bool
}

// PutStream consumes r to EOF, computing its BLAKE2b-256 digest while
// streaming the bytes to a temporary file on the store's own filesystem, then
// atomically renames the temp file into its final content-addressed location.
// If bytes with the same hash already exist, the temp file is discarded and
// the existing path is returned — this is the idempotent post-download
// dedup path. PutStream never loads the full artifact into memory.
func (s *Store) PutStream(ctx context.Context, r io.Reader) (Result, error) {
	tmp, err := os.CreateTemp(s.root, "put-*.tmp")
	if err != nil {
		return Result{}, errs.New(errs.ClassStorageIO, fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	cleanupTmp := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	hasher := hash.New()
	size, err := io.Copy(tmp, contextReader{ctx: ctx, r: io.TeeReader(r, hasher)})
	if err != nil {
		cleanupTmp()
		return Result{}, errs.New(errs.ClassStorageIO, fmt.Errorf("stream to temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		cleanupTmp()
		return Result{}, errs.New(errs.ClassStorageIO, fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, errs.New(errs.ClassStorageIO, fmt.Errorf("close temp file: %w", err))
	}

	digest := hasher.SumHex()
	rel, err := RelativePath(digest)
	if err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, err
	}
	finalPath := filepath.Join(s.root, rel)

	if _, statErr := os.Stat(finalPath); statErr == nil {
		_ = os.Remove(tmpPath)
		return Result{Hash: digest, RelativePath: rel, SizeBytes: size, Deduplicated: true}, nil
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, errs.New(errs.ClassStorageIO, fmt.Errorf("create fan-out directory: %w", err))
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		// Another goroutine may have raced us to the same content; treat an
		// existing destination as success rather than a collision error.
		if _, statErr := os.Stat(finalPath); statErr == nil {
			_ = os.Remove(tmpPath)
			return Result{Hash: digest, RelativePath: rel, SizeBytes: size, Deduplicated: true}, nil
		}
		_ = os.Remove(tmpPath)
		return Result{}, errs.New(errs.ClassStorageIO, fmt.Errorf("rename into place: %w", err))
	}

	return Result{Hash: digest, RelativePath: rel, SizeBytes: size}, nil
}

// PutHardlink accepts bytes already materialized on disk at srcPath on the
// same filesystem as the store and links them into place without a copy,
// computing the hash by reading the source once. When srcPath is on a
// different filesystem os.Link fails with EXDEV and the caller should retry
// via PutStream.
func (s *Store) PutHardlink(srcPath string) (Result, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return Result{}, errs.New(errs.ClassStorageIO, err)
	}
	digest, err := hash.Sum256Hex(f)
	closeErr := f.Close()
	if err != nil {
		return Result{}, errs.New(errs.ClassStorageIO, err)
	}
	if closeErr != nil {
		return Result{}, errs.New(errs.ClassStorageIO, closeErr)
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return Result{}, errs.New(errs.ClassStorageIO, err)
	}

	rel, err := RelativePath(digest)
	if err != nil {
		return Result{}, err
	}
	finalPath := filepath.Join(s.root, rel)

	if _, statErr := os.Stat(finalPath); statErr == nil {
		return Result{Hash: digest, RelativePath: rel, SizeBytes: info.Size()}, nil
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return Result{}, errs.New(errs.ClassStorageIO, err)
	}
	if err := os.Link(srcPath, finalPath); err != nil {
		if _, statErr := os.Stat(finalPath); statErr == nil {
			return Result{Hash: digest, RelativePath: rel, SizeBytes: info.Size()}, nil
		}
		return Result{}, errs.New(errs.ClassStorageIO, fmt.Errorf("hardlink into place: %w", err))
	}

	return Result{Hash: digest, RelativePath: rel, SizeBytes: info.Size()}, nil
}

// contextReader aborts a Read as soon as ctx is cancelled, giving PutStream's
// io.Copy a cancellation point during a long download without requiring the
// caller's reader to support context itself.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	select {
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	default:
	}
	return c.r.Read(p)
}
