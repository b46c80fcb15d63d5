package glacier

import (
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCanonicalRequestRejectsDuplicateQueryKeys(t *testing.T) {
	_, _, err := BuildCanonicalRequest(CanonicalRequestInput{
		Method: "GET",
		Path:   "/-/vaults",
		Query:  url.Values{"marker": []string{"a", "b"}},
		Headers: map[string]string{
			"host": "glacier.us-west-2.amazonaws.com",
		},
		PayloadHash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
	})
	require.Error(t, err)
}

func TestBuildCanonicalRequestSortsHeadersAndQuery(t *testing.T) {
	canonical, signedHeaders, err := BuildCanonicalRequest(CanonicalRequestInput{
		Method: "GET",
		Path:   "/-/vaults",
		Query:  url.Values{"b": []string{"2"}, "a": []string{"1"}},
		Headers: map[string]string{
			"Host":                  "glacier.us-west-2.amazonaws.com",
			"X-Amz-Glacier-Version": "2012-06-01",
		},
		PayloadHash: "deadbeef",
	})
	require.NoError(t, err)

	assert.Contains(t, canonical, "a=1&b=2")
	assert.Equal(t, []string{"host", "x-amz-content-sha256", "x-amz-glacier-version"}, signedHeaders)
}

func TestSignProducesStableAuthorizationShape(t *testing.T) {
	when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	creds := aws.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"}

	signed, err := Sign(CanonicalRequestInput{
		Method: "GET",
		Path:   "/-/vaults",
		Headers: map[string]string{
			"host": "glacier.us-west-2.amazonaws.com",
		},
		PayloadHash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
	}, creds, "us-west-2", when)
	require.NoError(t, err)

	assert.Equal(t, "20260102T030405Z", signed.AmzDate)
	assert.Contains(t, signed.Authorization, "Credential=AKIDEXAMPLE/20260102/us-west-2/glacier/aws4_request")
	assert.Contains(t, signed.Authorization, "SignedHeaders=host;x-amz-content-sha256")
	assert.Contains(t, signed.Authorization, algorithm)
}
