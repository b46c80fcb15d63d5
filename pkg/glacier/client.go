package glacier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/polarexpress/polarexpress/internal/telemetry"
)

// apiVersion is the Glacier API version header value.
const apiVersion = "2012-06-01"

// Config configures a Client.
type Config struct {
	Region      string
	Credentials aws.Credentials
	UseSSL      bool
	AccountID   string // "-" for the credential owner's account
	HTTPClient  *http.Client
	Endpoint    string // overrides the default glacier.<region>.amazonaws.com host, for tests
}

// Client is the archive-service client. Every operation is a blocking
// call that fails locally; the caller decides whether to reopen and retry.
type Client struct {
	cfg Config

	mu   sync.Mutex
	open bool
}

// New constructs a Client. Open must be called before use.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{cfg: cfg}
}

// Open marks the connection open. Returns false if already open.
func (c *Client) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return false
	}
	c.open = true
	return true
}

// Close marks the connection closed.
func (c *Client) Close() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}

// Reopen closes then reopens the connection, used by the upload stage's
// retry-on-failure path.
func (c *Client) Reopen() {
	c.Close()
	c.Open()
}

// IsOpen reports whether the connection is open.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Client) baseURL() string {
	if c.cfg.Endpoint != "" {
		return c.cfg.Endpoint
	}
	scheme := "http"
	if c.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://glacier.%s.amazonaws.com", scheme, c.cfg.Region)
}

func (c *Client) accountID() string {
	if c.cfg.AccountID == "" {
		return "-"
	}
	return c.cfg.AccountID
}

// doSigned builds, signs, and executes an HTTP request against the
// archive service, returning the unparsed *http.Response.
func (c *Client) doSigned(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	if !c.IsOpen() {
		return nil, fmt.Errorf("glacier: connection not open")
	}

	payloadHash := sha256.Sum256(body)
	hexHash := hex.EncodeToString(payloadHash[:])

	reqURL := c.baseURL() + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	host := req.URL.Host

	headers := map[string]string{
		"host":                  host,
		"x-amz-glacier-version": apiVersion,
	}

	signed, err := Sign(CanonicalRequestInput{
		Method:      method,
		Path:        path,
		Query:       query,
		Headers:     headers,
		PayloadHash: hexHash,
	}, c.cfg.Credentials, c.cfg.Region, time.Now())
	if err != nil {
		return nil, fmt.Errorf("glacier: sign request: %w", err)
	}

	req.Header.Set("x-amz-glacier-version", apiVersion)
	req.Header.Set("x-amz-date", signed.AmzDate)
	req.Header.Set("x-amz-content-sha256", signed.ContentSHA256)
	req.Header.Set("Authorization", signed.Authorization)
	req.Header.Set("Content-Type", "application/json")

	return c.cfg.HTTPClient.Do(req)
}

// VaultDescription is the parsed response of DescribeVault.
type VaultDescription struct {
	CreationDate      string `json:"CreationDate"`
	LastInventoryDate string `json:"LastInventoryDate"`
	NumberOfArchives  int64  `json:"NumberOfArchives"`
	SizeInBytes       int64  `json:"SizeInBytes"`
	VaultARN          string `json:"VaultARN"`
	VaultName         string `json:"VaultName"`
}

// DescribeVault returns the vault's description, or an error if it does
// not exist (callers should treat a 404 as "missing, call CreateVault").
func (c *Client) DescribeVault(ctx context.Context, vault string) (VaultDescription, error) {
	ctx, span := telemetry.StartGlacierSpan(ctx, "describe_vault", telemetry.Vault(vault))
	defer span.End()

	path := fmt.Sprintf("/%s/vaults/%s", c.accountID(), vault)
	resp, err := c.doSigned(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return VaultDescription{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return VaultDescription{}, errVaultNotFound
	}
	if resp.StatusCode/100 != 2 {
		err := fmt.Errorf("glacier: describe vault: status %d", resp.StatusCode)
		telemetry.RecordError(ctx, err)
		return VaultDescription{}, err
	}

	var desc VaultDescription
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		err = fmt.Errorf("glacier: decode vault description: %w", err)
		telemetry.RecordError(ctx, err)
		return VaultDescription{}, err
	}
	return desc, nil
}

var errVaultNotFound = fmt.Errorf("glacier: vault not found")

// IsVaultNotFound reports whether err is the "vault does not exist" error
// returned by DescribeVault.
func IsVaultNotFound(err error) bool { return err == errVaultNotFound }

// CreateVault creates vault, idempotently succeeding if it already exists.
func (c *Client) CreateVault(ctx context.Context, vault string) error {
	ctx, span := telemetry.StartGlacierSpan(ctx, "create_vault", telemetry.Vault(vault))
	defer span.End()

	path := fmt.Sprintf("/%s/vaults/%s", c.accountID(), vault)
	resp, err := c.doSigned(ctx, http.MethodPut, path, nil, nil)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		err := fmt.Errorf("glacier: create vault: status %d", resp.StatusCode)
		telemetry.RecordError(ctx, err)
		return err
	}
	return nil
}

// DeleteVault deletes vault.
func (c *Client) DeleteVault(ctx context.Context, vault string) error {
	path := fmt.Sprintf("/%s/vaults/%s", c.accountID(), vault)
	resp, err := c.doSigned(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("glacier: delete vault: status %d", resp.StatusCode)
	}
	return nil
}

// VaultSummary is one entry of ListVaults.
type VaultSummary struct {
	VaultName string `json:"VaultName"`
	VaultARN  string `json:"VaultARN"`
}

type listVaultsResponse struct {
	VaultList []VaultSummary `json:"VaultList"`
	Marker    string         `json:"Marker"`
}

// ListVaults lists up to max vaults starting at startMarker (empty for the
// first page), returning the next page's marker (empty if none).
func (c *Client) ListVaults(ctx context.Context, max int, startMarker string) ([]VaultSummary, string, error) {
	q := url.Values{}
	if max > 0 {
		q.Set("limit", fmt.Sprintf("%d", max))
	}
	if startMarker != "" {
		q.Set("marker", startMarker)
	}

	path := fmt.Sprintf("/%s/vaults", c.accountID())
	resp, err := c.doSigned(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, "", fmt.Errorf("glacier: list vaults: status %d", resp.StatusCode)
	}

	var out listVaultsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("glacier: decode list vaults: %w", err)
	}
	return out.VaultList, out.Marker, nil
}

// UploadArchive uploads contents to vault, returning the service-assigned
// archive id. The tree-hash and linear-hash digests are supplied by the
// caller (computed once at bundle-finalize time) rather than recomputed
// here, per the "does not buffer a second copy" requirement.
func (c *Client) UploadArchive(ctx context.Context, vault string, contents []byte, sha256Linear, sha256Tree [32]byte, description string) (archiveID string, err error) {
	ctx, span := telemetry.StartGlacierSpan(ctx, "upload_archive",
		telemetry.Vault(vault), telemetry.ByteCount(int64(len(contents))))
	defer span.End()

	path := fmt.Sprintf("/%s/vaults/%s/archives", c.accountID(), vault)

	if !c.IsOpen() {
		err := fmt.Errorf("glacier: connection not open")
		telemetry.RecordError(ctx, err)
		return "", err
	}

	payloadHash := sha256Linear
	reqURL := c.baseURL() + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(contents))
	if err != nil {
		telemetry.RecordError(ctx, err)
		return "", err
	}

	headers := map[string]string{
		"host":                      req.URL.Host,
		"x-amz-glacier-version":     apiVersion,
		"x-amz-sha256-tree-hash":    hex.EncodeToString(sha256Tree[:]),
		"x-amz-archive-description": description,
	}

	signed, err := Sign(CanonicalRequestInput{
		Method:      http.MethodPost,
		Path:        path,
		Headers:     headers,
		PayloadHash: hex.EncodeToString(payloadHash[:]),
	}, c.cfg.Credentials, c.cfg.Region, time.Now())
	if err != nil {
		err = fmt.Errorf("glacier: sign upload: %w", err)
		telemetry.RecordError(ctx, err)
		return "", err
	}

	req.Header.Set("x-amz-glacier-version", apiVersion)
	req.Header.Set("x-amz-sha256-tree-hash", hex.EncodeToString(sha256Tree[:]))
	req.Header.Set("x-amz-archive-description", description)
	req.Header.Set("x-amz-date", signed.AmzDate)
	req.Header.Set("x-amz-content-sha256", signed.ContentSHA256)
	req.Header.Set("Authorization", signed.Authorization)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated {
		err := fmt.Errorf("glacier: upload archive: status %d", resp.StatusCode)
		telemetry.RecordError(ctx, err)
		return "", err
	}

	archiveID = resp.Header.Get("x-amz-archive-id")
	if archiveID == "" {
		err := fmt.Errorf("glacier: upload archive: empty archive id")
		telemetry.RecordError(ctx, err)
		return "", err
	}
	span.SetAttributes(telemetry.ArchiveID(archiveID))
	return archiveID, nil
}

// DeleteArchive deletes archiveID from vault.
func (c *Client) DeleteArchive(ctx context.Context, vault, archiveID string) error {
	path := fmt.Sprintf("/%s/vaults/%s/archives/%s", c.accountID(), vault, archiveID)
	resp, err := c.doSigned(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("glacier: delete archive: status %d", resp.StatusCode)
	}
	return nil
}
