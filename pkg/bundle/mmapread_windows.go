//go:build windows

package bundle

import (
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/polarexpress/polarexpress/pkg/model"
)

// ErrChunkDigestMismatch is returned when the chunk's bytes on disk no
// longer match its recorded SHA-1.
var ErrChunkDigestMismatch = fmt.Errorf("bundle: chunk digest mismatch")

// ReadChunkBytes reads the chunk's (offset, length) directly; Windows
// builds fall back to ReadAt instead of the mmap path used elsewhere.
func ReadChunkBytes(path string, chunk model.Chunk) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: open %s: %w", path, err)
	}
	defer f.Close()

	if chunk.Length == 0 {
		return nil, nil
	}
	buf := make([]byte, chunk.Length)
	if _, err := f.ReadAt(buf, chunk.Offset); err != nil {
		return nil, fmt.Errorf("bundle: read %s: %w", path, err)
	}

	if sha1.Sum(buf) != chunk.SHA1 {
		return nil, ErrChunkDigestMismatch
	}
	return buf, nil
}
