package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/require"

	"github.com/polarexpress/polarexpress/pkg/catalog"
	"github.com/polarexpress/polarexpress/pkg/glacier"
	"github.com/polarexpress/polarexpress/pkg/model"
)

func newTestCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func writeSpoolFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.spool")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

// newPendingBundle records a fresh, not-yet-uploaded bundle in cat and
// returns its annotations with a real LocalID assigned.
func newPendingBundle(t *testing.T, cat *catalog.Store, spoolPath string) model.BundleAnnotations {
	t.Helper()
	ann := model.BundleAnnotations{
		SHA256Linear:   [32]byte{1},
		SHA256Tree:     [32]byte{2},
		Length:         19,
		SpoolPath:      spoolPath,
		UniqueFilename: "abc.bundle",
		UploadStatus:   model.UploadPending,
	}
	require.NoError(t, cat.RecordNewBundle(context.Background(), &ann, model.BundleManifest{}))
	return ann
}

// TestEnsureVaultCreatesMissingVault exercises the describe-then-create
// bootstrap sequence against a real HTTP test server standing in for the
// archive service.
func TestEnsureVaultCreatesMissingVault(t *testing.T) {
	var describeCalls, createCalls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/-/vaults/my-vault":
			n := atomic.AddInt32(&describeCalls, 1)
			if n == 1 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(glacier.VaultDescription{VaultName: "my-vault"})
		case r.Method == http.MethodPut && r.URL.Path == "/-/vaults/my-vault":
			atomic.AddInt32(&createCalls, 1)
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client := glacier.New(glacier.Config{
		Region:      "us-west-2",
		Credentials: aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"},
		Endpoint:    srv.URL,
	})

	stage := NewStage(Config{Vault: "my-vault"}, client, newTestCatalog(t))
	require.NoError(t, stage.EnsureVault(context.Background()))
	require.EqualValues(t, 2, describeCalls)
	require.EqualValues(t, 1, createCalls)
	require.True(t, stage.vaultReady)

	// A second call is a no-op; no further HTTP traffic.
	require.NoError(t, stage.EnsureVault(context.Background()))
	require.EqualValues(t, 2, describeCalls)
}

// TestProcessUploadsAndRecordsBundle exercises the full happy path: vault
// already exists, archive uploads successfully, catalog is updated, and the
// spool file is deleted.
func TestProcessUploadsAndRecordsBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/-/vaults/my-vault":
			_ = json.NewEncoder(w).Encode(glacier.VaultDescription{VaultName: "my-vault"})
		case r.Method == http.MethodPost && r.URL.Path == "/-/vaults/my-vault/archives":
			w.Header().Set("x-amz-archive-id", "archive-xyz")
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client := glacier.New(glacier.Config{
		Region:      "us-west-2",
		Credentials: aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"},
		Endpoint:    srv.URL,
	})

	cat := newTestCatalog(t)
	stage := NewStage(Config{Vault: "my-vault"}, client, cat)

	spoolPath := writeSpoolFile(t, "sealed bundle bytes")
	ann := newPendingBundle(t, cat, spoolPath)

	ctx := context.Background()
	err := stage.Process(ctx, model.AnnotatedBundle{Annotations: ann})
	require.NoError(t, err)
	require.NoFileExists(t, spoolPath)
}

// TestProcessRetriesAfterTransportFailure verifies that a transient upload
// failure causes the client to be reopened and the upload retried, rather
// than the bundle being dropped.
func TestProcessRetriesAfterTransportFailure(t *testing.T) {
	var uploadAttempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/-/vaults/my-vault":
			_ = json.NewEncoder(w).Encode(glacier.VaultDescription{VaultName: "my-vault"})
		case r.Method == http.MethodPost && r.URL.Path == "/-/vaults/my-vault/archives":
			n := atomic.AddInt32(&uploadAttempts, 1)
			if n == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("x-amz-archive-id", "archive-xyz")
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client := glacier.New(glacier.Config{
		Region:      "us-west-2",
		Credentials: aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"},
		Endpoint:    srv.URL,
	})

	cat := newTestCatalog(t)
	stage := NewStage(Config{Vault: "my-vault"}, client, cat)

	spoolPath := writeSpoolFile(t, "sealed bundle bytes")
	ann := newPendingBundle(t, cat, spoolPath)

	ctx := context.Background()
	err := stage.Process(ctx, model.AnnotatedBundle{Annotations: ann})
	require.NoError(t, err)
	require.EqualValues(t, 2, uploadAttempts, "first upload fails, second succeeds after reopen")
	require.NoFileExists(t, spoolPath)
}
