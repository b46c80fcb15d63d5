package bundlefile

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polarexpress/polarexpress/pkg/model"
)

func TestManifestRoundTrip(t *testing.T) {
	manifest := model.BundleManifest{Payloads: []model.PayloadManifest{
		{
			Compression: model.CompressionDeflate,
			Offset:      0,
			Blocks: []model.BlockRecord{
				{BlockID: 1, SHA1: [20]byte{1, 2, 3}, Length: 1024},
				{BlockID: 2, SHA1: [20]byte{4, 5, 6}, Length: 2048},
			},
		},
	}}

	encoded := EncodeManifest(manifest)
	decoded, err := DecodeManifest(encoded)
	require.NoError(t, err)
	require.Equal(t, manifest, decoded)
}

func TestTreeHashMatchesLinearHashUnderOneLeaf(t *testing.T) {
	data := make([]byte, 1024)
	require.Equal(t, LinearHash(data), TreeHash(data))
}

func TestTreeHashOverMultipleLeaves(t *testing.T) {
	data := make([]byte, LeafSize+1)
	for i := range data {
		data[i] = byte(i)
	}
	leaf0 := sha256.Sum256(data[:LeafSize])
	leaf1 := sha256.Sum256(data[LeafSize:])
	combined := append(append([]byte{}, leaf0[:]...), leaf1[:]...)
	want := sha256.Sum256(combined)
	require.Equal(t, want, TreeHash(data))
}

func TestSealOpenBundleRoundTripPBKDF2(t *testing.T) {
	km, err := DeriveFromPassphrase("correct horse battery staple", 4)
	require.NoError(t, err)

	container := NewContainer()
	require.NoError(t, container.WritePayload(0, []byte("hello world")))
	manifest := model.BundleManifest{Payloads: []model.PayloadManifest{{
		Compression: model.CompressionNone,
		Blocks:      []model.BlockRecord{{BlockID: 1, Length: 11}},
	}}}
	plaintext, err := container.Finalize(manifest)
	require.NoError(t, err)

	finalized, err := SealBundle(km, plaintext)
	require.NoError(t, err)
	require.Equal(t, LinearHash(finalized.Bytes), finalized.SHA256Linear)

	opened, err := OpenBundle(km, finalized.Bytes)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)

	payloads, gotManifest, err := ReadContainer(opened)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), payloads["payload_0.dat"])
	require.EqualValues(t, 512, gotManifest.Payloads[0].Offset,
		"first payload's data starts right after its 512-byte tar header")
	require.Equal(t, manifest.Payloads[0].Blocks, gotManifest.Payloads[0].Blocks)
	require.Equal(t, manifest.Payloads[0].Compression, gotManifest.Payloads[0].Compression)
}

func TestWritePayloadAccumulatesOneEntryPerPayload(t *testing.T) {
	container := NewContainer()
	require.NoError(t, container.WritePayload(0, []byte("part one, ")))
	require.NoError(t, container.WritePayload(0, []byte("part two")))

	plaintext, err := container.Finalize(model.BundleManifest{Payloads: []model.PayloadManifest{{
		Compression: model.CompressionNone,
	}}})
	require.NoError(t, err)

	payloads, _, err := ReadContainer(plaintext)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	require.Equal(t, []byte("part one, part two"), payloads["payload_0.dat"])
}

func TestDirectMasterKeyHasNoDerivationHeader(t *testing.T) {
	var master [32]byte
	for i := range master {
		master[i] = byte(i)
	}
	km := DirectMasterKey(master)
	require.Equal(t, KDNone, km.Generic.KeyDerivationType)
	require.Equal(t, master, km.EncryptionKey)
}
