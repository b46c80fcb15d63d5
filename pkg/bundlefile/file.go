package bundlefile

import (
	"archive/tar"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/polarexpress/polarexpress/pkg/model"
)

// Container builds the plaintext TAR stream that goes inside a finalized
// bundle: one or more payload_<N>.dat files, manifest.pbuf, and
// manifest_digest.sha1. Payload bytes are accumulated incrementally (one
// compression stream may span many WritePayload calls) and each payload
// becomes exactly one TAR entry at Finalize time, since a TAR header needs
// the entry's total size up front.
type Container struct {
	payloads []*bytes.Buffer
}

// NewContainer starts a fresh container.
func NewContainer() *Container {
	return &Container{}
}

// WritePayload appends data to payload_<index>.dat's stream.
func (c *Container) WritePayload(index int, data []byte) error {
	for len(c.payloads) <= index {
		c.payloads = append(c.payloads, &bytes.Buffer{})
	}
	_, err := c.payloads[index].Write(data)
	return err
}

// Finalize writes each payload entry, the manifest, and the manifest
// digest into a TAR stream and closes it (flushing the terminating zero
// blocks), returning the complete plaintext bytes. Each payload's byte
// offset within the container is recorded into the matching manifest
// payload before the manifest is encoded.
func (c *Container) Finalize(manifest model.BundleManifest) ([]byte, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)

	for i, p := range c.payloads {
		name := fmt.Sprintf("payload_%d.dat", i)
		hdr := &tar.Header{
			Name: name,
			Mode: 0o400,
			Size: int64(p.Len()),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("bundlefile: write tar header for %s: %w", name, err)
		}
		if i < len(manifest.Payloads) {
			manifest.Payloads[i].Offset = int64(buf.Len())
		}
		if _, err := tw.Write(p.Bytes()); err != nil {
			return nil, fmt.Errorf("bundlefile: write tar body for %s: %w", name, err)
		}
	}

	manifestBytes := EncodeManifest(manifest)
	if err := writeFile(tw, "manifest.pbuf", manifestBytes); err != nil {
		return nil, err
	}

	digest := sha1.Sum(manifestBytes)
	if err := writeFile(tw, "manifest_digest.sha1", []byte(hex.EncodeToString(digest[:]))); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("bundlefile: close tar container: %w", err)
	}
	return buf.Bytes(), nil
}

func writeFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o400,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("bundlefile: write tar header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("bundlefile: write tar body for %s: %w", name, err)
	}
	return nil
}

// ReadContainer parses a plaintext TAR container back into its named
// payload streams and manifest, verifying the manifest digest.
func ReadContainer(data []byte) (payloads map[string][]byte, manifest model.BundleManifest, err error) {
	tr := tar.NewReader(bytes.NewReader(data))
	payloads = make(map[string][]byte)

	var manifestBytes []byte
	var manifestDigest string

	for {
		hdr, terr := tr.Next()
		if terr != nil {
			break
		}
		body := make([]byte, hdr.Size)
		if _, rerr := io.ReadFull(tr, body); rerr != nil {
			return nil, manifest, fmt.Errorf("bundlefile: read %s: %w", hdr.Name, rerr)
		}

		switch hdr.Name {
		case "manifest.pbuf":
			manifestBytes = body
		case "manifest_digest.sha1":
			manifestDigest = string(body)
		default:
			payloads[hdr.Name] = body
		}
	}

	if manifestBytes == nil {
		return nil, manifest, fmt.Errorf("bundlefile: container missing manifest.pbuf")
	}
	digest := sha1.Sum(manifestBytes)
	if manifestDigest != "" && hex.EncodeToString(digest[:]) != manifestDigest {
		return nil, manifest, fmt.Errorf("bundlefile: manifest digest mismatch")
	}

	manifest, err = DecodeManifest(manifestBytes)
	return payloads, manifest, err
}

// Finalized is a fully assembled bundle file: header bytes + ciphertext,
// with its content-addressing digests computed over the whole sequence.
type Finalized struct {
	Bytes        []byte
	SHA256Linear [32]byte
	SHA256Tree   [32]byte
}

// SealBundle encrypts the plaintext TAR container and assembles the complete
// on-disk bundle file: magic, generic header, key-derivation params (if
// any), encryption params, ciphertext. Digests are computed over the full
// returned byte sequence.
func SealBundle(km KeyMaterial, plaintext []byte) (Finalized, error) {
	ciphertext, iv, err := Seal(km, plaintext)
	if err != nil {
		return Finalized{}, fmt.Errorf("bundlefile: seal: %w", err)
	}

	buf := &bytes.Buffer{}
	buf.Write(Magic[:])
	if _, err := km.Generic.WriteTo(buf); err != nil {
		return Finalized{}, err
	}
	switch km.Generic.KeyDerivationType {
	case KDPBKDF2:
		if _, err := km.PBKDF2.WriteTo(buf); err != nil {
			return Finalized{}, err
		}
	case KDHKDFSHA256:
		if _, err := km.HKDF.WriteTo(buf); err != nil {
			return Finalized{}, err
		}
	}
	if _, err := (AES256GCMParams{InitializationVector: iv}).WriteTo(buf); err != nil {
		return Finalized{}, err
	}
	buf.Write(ciphertext)

	full := buf.Bytes()
	return Finalized{
		Bytes:        full,
		SHA256Linear: LinearHash(full),
		SHA256Tree:   TreeHash(full),
	}, nil
}

// OpenBundle parses and decrypts a complete on-disk bundle file back into
// its plaintext TAR container bytes.
func OpenBundle(km KeyMaterial, data []byte) ([]byte, error) {
	if len(data) < len(Magic) || !bytes.Equal(data[:len(Magic)], Magic[:]) {
		return nil, fmt.Errorf("bundlefile: bad magic")
	}
	r := bytes.NewReader(data[len(Magic):])

	generic, err := ReadGenericHeader(r)
	if err != nil {
		return nil, fmt.Errorf("bundlefile: read generic header: %w", err)
	}

	switch generic.KeyDerivationType {
	case KDPBKDF2:
		if _, err := ReadPBKDF2Params(r); err != nil {
			return nil, fmt.Errorf("bundlefile: read pbkdf2 params: %w", err)
		}
	case KDHKDFSHA256:
		if _, err := ReadHKDFParams(r); err != nil {
			return nil, fmt.Errorf("bundlefile: read hkdf params: %w", err)
		}
	}

	aesParams, err := ReadAES256GCMParams(r)
	if err != nil {
		return nil, fmt.Errorf("bundlefile: read aes params: %w", err)
	}

	rest := make([]byte, r.Len())
	if _, err := r.Read(rest); err != nil {
		return nil, fmt.Errorf("bundlefile: read ciphertext: %w", err)
	}

	return Open(km, aesParams.InitializationVector, rest)
}
