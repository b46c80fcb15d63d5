// Package glacier implements a Glacier-style archive-service client: SigV4
// request signing and the vault/archive operation set. Signing is written
// out in full here rather than delegated to the AWS SDK's built-in signer,
// keeping the canonicalization rules (duplicate query keys rejected, host
// header required, trailing payload digest) explicit and testable;
// credential representation still reuses aws-sdk-go-v2's aws.Credentials.
package glacier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

const (
	algorithm = "AWS4-HMAC-SHA256"
	service   = "glacier"
)

// SignedRequest carries the header values a caller must attach to its HTTP
// request after signing.
type SignedRequest struct {
	Authorization string
	AmzDate       string
	ContentSHA256 string
}

// CanonicalRequestInput is everything needed to build the canonical request
// string.
type CanonicalRequestInput struct {
	Method      string
	Path        string // already percent-decoded; re-encoded per RFC 3986 below
	Query       url.Values
	Headers     map[string]string // case-insensitive; "host" is required
	PayloadHash string            // lowercase hex sha256 of the body
}

// canonicalURIEncode percent-encodes a path segment per RFC 3986, except
// that '/' is preserved (it separates segments and is re-joined verbatim).
func canonicalURIEncode(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = rfc3986Escape(seg)
	}
	return strings.Join(segments, "/")
}

func rfc3986Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// BuildCanonicalRequest constructs the canonical request string. Duplicate
// query-parameter keys are rejected rather than merged.
func BuildCanonicalRequest(in CanonicalRequestInput) (string, []string, error) {
	for k, v := range in.Query {
		if len(v) > 1 {
			return "", nil, fmt.Errorf("glacier: duplicate query parameter %q", k)
		}
	}

	queryKeys := make([]string, 0, len(in.Query))
	for k := range in.Query {
		queryKeys = append(queryKeys, k)
	}
	sort.Strings(queryKeys)

	queryParts := make([]string, 0, len(queryKeys))
	for _, k := range queryKeys {
		queryParts = append(queryParts, fmt.Sprintf("%s=%s", rfc3986Escape(k), rfc3986Escape(in.Query.Get(k))))
	}
	canonicalQuery := strings.Join(queryParts, "&")

	headers := make(map[string]string, len(in.Headers)+1)
	for k, v := range in.Headers {
		headers[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	if _, ok := headers["host"]; !ok {
		return "", nil, fmt.Errorf("glacier: missing host header")
	}
	headers["x-amz-content-sha256"] = strings.ToLower(in.PayloadHash)

	headerNames := make([]string, 0, len(headers))
	for k := range headers {
		headerNames = append(headerNames, k)
	}
	sort.Strings(headerNames)

	var canonicalHeaders strings.Builder
	for _, name := range headerNames {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(headers[name])
		canonicalHeaders.WriteByte('\n')
	}
	signedHeaders := strings.Join(headerNames, ";")

	canonicalRequest := strings.Join([]string{
		in.Method,
		canonicalURIEncode(in.Path),
		canonicalQuery,
		canonicalHeaders.String(),
		signedHeaders,
		strings.ToLower(in.PayloadHash),
	}, "\n")

	return canonicalRequest, headerNames, nil
}

// Sign computes the SigV4 signature for a request at timestamp `when`,
// against the given region and credentials, returning the headers to
// attach.
func Sign(in CanonicalRequestInput, creds aws.Credentials, region string, when time.Time) (SignedRequest, error) {
	canonicalRequest, signedHeaderNames, err := BuildCanonicalRequest(in)
	if err != nil {
		return SignedRequest{}, err
	}

	amzDate := when.UTC().Format("20060102T150405Z")
	dateStamp := when.UTC().Format("20060102")
	credentialScope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")

	hashedCanonical := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		credentialScope,
		hex.EncodeToString(hashedCanonical[:]),
	}, "\n")

	signingKey := deriveSigningKey(creds.SecretAccessKey, dateStamp, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	authHeader := fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, creds.AccessKeyID, credentialScope, strings.Join(signedHeaderNames, ";"), signature)

	return SignedRequest{
		Authorization: authHeader,
		AmzDate:       amzDate,
		ContentSHA256: strings.ToLower(in.PayloadHash),
	}, nil
}

func deriveSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
