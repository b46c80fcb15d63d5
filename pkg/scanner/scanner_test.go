package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestScanCollectsAllRegularFilesAcrossSections(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("a"))
	writeFile(t, filepath.Join(root, "sub", "b.txt"), []byte("bb"))
	writeFile(t, filepath.Join(root, "sub", "deeper", "c.txt"), []byte("ccc"))

	s := New(root)

	var found []PathWithSize
	sectionDone := false
	require.NoError(t, s.StartScan(2, func() { sectionDone = true }))
	require.True(t, sectionDone)
	found = append(found, s.GetPathsWithSize()...)

	for !s.Done() {
		require.NoError(t, s.ContinueScan(2, func() {}))
		if len(s.GetPaths()) == 0 {
			break
		}
		found = append(found, s.GetPathsWithSize()...)
	}

	require.Len(t, found, 3)
	total := int64(0)
	for _, f := range found {
		total += f.Size
	}
	require.EqualValues(t, 6, total)
}

func TestEmptyRootProducesEmptySection(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	require.NoError(t, s.StartScan(10, func() {}))
	require.Empty(t, s.GetPaths())
	require.True(t, s.Done())
}
