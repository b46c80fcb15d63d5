// Package bundlefile implements the on-disk bundle format described in the
// backup pipeline's bundle file & cryptography design: a fixed binary
// header (magic, key-derivation parameters, encryption parameters)
// followed by an authenticated-encrypted TAR stream, plus the Glacier-style
// tree hash used to content-address the whole file.
//
// File layout:
//
//	"PEX\0"                          (4 bytes magic)
//	GenericHeader
//	KeyDerivationParameters (if any, depending on kd_type)
//	EncryptionParameters (depending on enc_type)
//	MACParameters (depending on mac_type; always empty in this version)
//	Ciphertext (encrypted TAR stream)
//	MAC (optional; AES-256-GCM's tag is carried inside the ciphertext)
//
// All header integers are network byte order; type-id fields are 15-byte
// NUL-padded ASCII.
package bundlefile

import (
	"bytes"
	"io"
)

// Magic is the 4-byte file signature.
var Magic = [4]byte{'P', 'E', 'X', 0}

const typeIDSize = 15

// KeyDerivationType names the key-derivation scheme in the generic header.
type KeyDerivationType string

const (
	KDNone       KeyDerivationType = ""
	KDPBKDF2     KeyDerivationType = "pbkdf2"
	KDHKDFSHA256 KeyDerivationType = "hkdf-sha-256"
)

// EncryptionType names the content-encryption scheme.
type EncryptionType string

const (
	EncNone      EncryptionType = ""
	EncAES256GCM EncryptionType = "aes-256-gcm"
)

// GenericHeader is the fixed-format header preceding the type-specific
// parameter blocks.
type GenericHeader struct {
	FormatVersion              uint8
	KeyDerivationType          KeyDerivationType
	KeyDerivationParamsVersion uint8
	EncryptionType             EncryptionType
	EncryptionParamsVersion    uint8
	MACType                    string
	MACParamsVersion           uint8
}

func writeTypeID(w io.Writer, s string) error {
	var buf [typeIDSize]byte
	copy(buf[:], s)
	_, err := w.Write(buf[:])
	return err
}

func readTypeID(r io.Reader) (string, error) {
	var buf [typeIDSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf[:], "\x00")), nil
}

// WriteTo serializes the generic header.
func (h GenericHeader) WriteTo(w io.Writer) (int64, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(h.FormatVersion)
	if err := writeTypeID(buf, string(h.KeyDerivationType)); err != nil {
		return 0, err
	}
	buf.WriteByte(h.KeyDerivationParamsVersion)
	if err := writeTypeID(buf, string(h.EncryptionType)); err != nil {
		return 0, err
	}
	buf.WriteByte(h.EncryptionParamsVersion)
	if err := writeTypeID(buf, h.MACType); err != nil {
		return 0, err
	}
	buf.WriteByte(h.MACParamsVersion)
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadGenericHeader reads a GenericHeader from r.
func ReadGenericHeader(r io.Reader) (GenericHeader, error) {
	var h GenericHeader
	var b [1]byte

	if _, err := io.ReadFull(r, b[:]); err != nil {
		return h, err
	}
	h.FormatVersion = b[0]

	kd, err := readTypeID(r)
	if err != nil {
		return h, err
	}
	h.KeyDerivationType = KeyDerivationType(kd)

	if _, err := io.ReadFull(r, b[:]); err != nil {
		return h, err
	}
	h.KeyDerivationParamsVersion = b[0]

	enc, err := readTypeID(r)
	if err != nil {
		return h, err
	}
	h.EncryptionType = EncryptionType(enc)

	if _, err := io.ReadFull(r, b[:]); err != nil {
		return h, err
	}
	h.EncryptionParamsVersion = b[0]

	mac, err := readTypeID(r)
	if err != nil {
		return h, err
	}
	h.MACType = mac

	if _, err := io.ReadFull(r, b[:]); err != nil {
		return h, err
	}
	h.MACParamsVersion = b[0]

	return h, nil
}

// PBKDF2Params are the key-derivation parameters for passphrase-based keys.
type PBKDF2Params struct {
	IterationCountExponent uint8 // 2^N iterations
	EncryptionKeySalt      [32]byte
	MACKeySalt             [32]byte
}

// WriteTo serializes PBKDF2Params.
func (p PBKDF2Params) WriteTo(w io.Writer) (int64, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(p.IterationCountExponent)
	buf.Write(p.EncryptionKeySalt[:])
	buf.Write(p.MACKeySalt[:])
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadPBKDF2Params reads PBKDF2Params from r.
func ReadPBKDF2Params(r io.Reader) (PBKDF2Params, error) {
	var p PBKDF2Params
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return p, err
	}
	p.IterationCountExponent = b[0]
	if _, err := io.ReadFull(r, p.EncryptionKeySalt[:]); err != nil {
		return p, err
	}
	if _, err := io.ReadFull(r, p.MACKeySalt[:]); err != nil {
		return p, err
	}
	return p, nil
}

// HKDFParams are the key-derivation parameters for master-key-derived keys.
type HKDFParams struct {
	InfoSize          uint8
	Info              [32]byte
	EncryptionKeySalt [32]byte
	MACKeySalt        [32]byte
}

// WriteTo serializes HKDFParams.
func (p HKDFParams) WriteTo(w io.Writer) (int64, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(p.InfoSize)
	buf.Write(p.Info[:])
	buf.Write(p.EncryptionKeySalt[:])
	buf.Write(p.MACKeySalt[:])
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadHKDFParams reads HKDFParams from r.
func ReadHKDFParams(r io.Reader) (HKDFParams, error) {
	var p HKDFParams
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return p, err
	}
	p.InfoSize = b[0]
	if _, err := io.ReadFull(r, p.Info[:]); err != nil {
		return p, err
	}
	if _, err := io.ReadFull(r, p.EncryptionKeySalt[:]); err != nil {
		return p, err
	}
	if _, err := io.ReadFull(r, p.MACKeySalt[:]); err != nil {
		return p, err
	}
	return p, nil
}

// AES256GCMParams are the encryption parameters for AES-256-GCM.
type AES256GCMParams struct {
	// The header reserves a fixed 32 bytes for the IV/nonce field though
	// GCM's standard nonce is 12 bytes; the low 12 bytes are used, the
	// remainder is zero-padded.
	InitializationVector [32]byte
}

// WriteTo serializes AES256GCMParams.
func (p AES256GCMParams) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.InitializationVector[:])
	return int64(n), err
}

// ReadAES256GCMParams reads AES256GCMParams from r.
func ReadAES256GCMParams(r io.Reader) (AES256GCMParams, error) {
	var p AES256GCMParams
	if _, err := io.ReadFull(r, p.InitializationVector[:]); err != nil {
		return p, err
	}
	return p, nil
}
