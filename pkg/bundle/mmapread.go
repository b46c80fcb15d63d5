//go:build !windows

package bundle

import (
	"crypto/sha1"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/polarexpress/polarexpress/pkg/model"
)

// ReadChunkBytes memory-maps path and returns the bytes for the chunk's
// (offset, length), verifying the chunk's recorded SHA-1 matches.
func ReadChunkBytes(path string, chunk model.Chunk) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if chunk.Offset+chunk.Length > info.Size() {
		return nil, fmt.Errorf("bundle: chunk range exceeds file size (changed under us)")
	}
	if chunk.Length == 0 {
		return nil, nil
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("bundle: mmap %s: %w", path, err)
	}
	defer unix.Munmap(mapped)

	raw := mapped[chunk.Offset : chunk.Offset+chunk.Length]

	got := sha1.Sum(raw)
	if got != chunk.SHA1 {
		return nil, ErrChunkDigestMismatch
	}

	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// ErrChunkDigestMismatch is returned when the chunk's bytes on disk no
// longer match its recorded SHA-1 (the file changed under us since the
// Snapshot stage hashed it).
var ErrChunkDigestMismatch = fmt.Errorf("bundle: chunk digest mismatch")
