package backupexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/require"

	"github.com/polarexpress/polarexpress/pkg/bundle"
	"github.com/polarexpress/polarexpress/pkg/bundlefile"
	"github.com/polarexpress/polarexpress/pkg/catalog"
	"github.com/polarexpress/polarexpress/pkg/glacier"
	"github.com/polarexpress/polarexpress/pkg/model"
	"github.com/polarexpress/polarexpress/pkg/upload"
)

// newArchiveServer stands in for the archive service: the vault always
// exists and every archive upload succeeds with a fresh archive id.
func newArchiveServer(t *testing.T, uploads *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/-/vaults/test-vault":
			_ = json.NewEncoder(w).Encode(glacier.VaultDescription{VaultName: "test-vault"})
		case r.Method == http.MethodPost && r.URL.Path == "/-/vaults/test-vault/archives":
			n := atomic.AddInt32(uploads, 1)
			w.Header().Set("x-amz-archive-id", "archive-"+string(rune('a'+n)))
			w.WriteHeader(http.StatusCreated)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
}

func runOnce(t *testing.T, root string, cat *catalog.Store, client *glacier.Client, km bundlefile.KeyMaterial, spoolDir string) model.RunSummary {
	t.Helper()
	runner := NewRunner(Config{
		Root:              root,
		IdleFlushInterval: 10 * time.Millisecond,
		Bundle: bundle.Config{
			Root:        root,
			SpoolDir:    spoolDir,
			Compression: model.CompressionNone,
			Keys:        km,
		},
		Upload: upload.Config{Vault: "test-vault"},
	}, cat, client)
	defer runner.Shutdown()

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	return summary
}

func TestTwoRunsOverUnchangedTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("bravo"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "c.txt"), []byte("charlie"), 0o644))

	var uploads int32
	srv := newArchiveServer(t, &uploads)
	defer srv.Close()

	client := glacier.New(glacier.Config{
		Region:      "us-west-2",
		Credentials: aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"},
		Endpoint:    srv.URL,
	})

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	defer cat.Close()

	km, err := bundlefile.DeriveFromPassphrase("test-pass", 4)
	require.NoError(t, err)

	spoolDir := t.TempDir()

	first := runOnce(t, root, cat, client, km, spoolDir)
	require.Equal(t, 3, first.FilesProcessed)
	require.Equal(t, 3, first.SnapshotsGenerated)
	require.GreaterOrEqual(t, first.BundlesGenerated, 1)
	require.Equal(t, first.BundlesGenerated, first.BundlesUploaded)
	require.EqualValues(t, first.BundlesUploaded, atomic.LoadInt32(&uploads))

	// Every spool file is deleted once its upload is recorded.
	leftovers, err := filepath.Glob(filepath.Join(spoolDir, "*.bundle"))
	require.NoError(t, err)
	require.Empty(t, leftovers)

	second := runOnce(t, root, cat, client, km, spoolDir)
	require.Equal(t, 3, second.FilesProcessed)
	require.Equal(t, 0, second.SnapshotsGenerated, "unchanged files must not re-snapshot")
	require.Equal(t, 0, second.BundlesGenerated)
	require.Equal(t, 0, second.BundlesUploaded)
}

func TestEmptyRootRunProducesNothing(t *testing.T) {
	root := t.TempDir()

	var uploads int32
	srv := newArchiveServer(t, &uploads)
	defer srv.Close()

	client := glacier.New(glacier.Config{
		Region:      "us-west-2",
		Credentials: aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"},
		Endpoint:    srv.URL,
	})

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	defer cat.Close()

	km, err := bundlefile.DeriveFromPassphrase("test-pass", 4)
	require.NoError(t, err)

	summary := runOnce(t, root, cat, client, km, t.TempDir())
	require.Equal(t, 0, summary.FilesProcessed)
	require.Equal(t, 0, summary.SnapshotsGenerated)
	require.Equal(t, 0, summary.BundlesGenerated)
	require.Equal(t, 0, summary.BundlesUploaded)
	require.EqualValues(t, 0, atomic.LoadInt32(&uploads))
}
