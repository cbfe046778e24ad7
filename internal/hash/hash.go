// Package hash provides the streaming content hash used to key the Content
// Store and to detect post-download duplicate artifacts.
package hash

import (
	"encoding/hex"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes for the 256-bit BLAKE2b variant used
// throughout the pipeline.
const Size = blake2b.Size256

// Hasher incrementally computes a BLAKE2b-256 digest over bytes fed to it by
// Write, implementing io.Writer so it composes with io.MultiWriter and io.Copy.
type Hasher struct {
	h hash.Hash
}

// New constructs a Hasher ready to accept bytes via Write.
func New() *Hasher {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only errors when a key longer than 64 bytes is
		// supplied; we never pass a key, so this is unreachable.
		panic(err)
	}
	return &Hasher{h: h}
}

// Write feeds bytes into the running digest. It never returns an error.
func (w *Hasher) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

// SumHex returns the lowercase hex-encoded digest of everything written so
// far without resetting the hasher's state.
func (w *Hasher) SumHex() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Sum256Hex streams r to completion and returns the lowercase hex BLAKE2b-256
// digest of its contents, for callers that just want the final digest of a
// fully available reader rather than incremental feeding.
func Sum256Hex(r io.Reader) (string, error) {
	h := New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return h.SumHex(), nil
}
