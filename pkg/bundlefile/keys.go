package bundlefile

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const keySize = 32 // AES-256

// KeyMaterial is the derived (encryption_key, mac_key) pair plus whatever
// header fields were produced alongside it. mac_key is unused by
// AES-256-GCM (the cipher carries its own authentication tag). The PBKDF2
// and HKDF derivations always produce both keys; DirectMasterKey leaves
// MACKey zero.
type KeyMaterial struct {
	EncryptionKey [keySize]byte
	MACKey        [keySize]byte

	Generic GenericHeader
	PBKDF2  *PBKDF2Params
	HKDF    *HKDFParams
}

// hkdfInfo is the fixed info string used for HKDF expansion when deriving
// keys from a master key.
var hkdfInfo = []byte("polarexpress-bundle-v1")

// DeriveFromPassphrase derives an (encryption_key, mac_key) pair from a
// passphrase using PBKDF2-SHA256 with two independently random salts.
// iterationExponent is 2^N iterations.
func DeriveFromPassphrase(passphrase string, iterationExponent uint8) (KeyMaterial, error) {
	var encSalt, macSalt [32]byte
	if _, err := io.ReadFull(rand.Reader, encSalt[:]); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate encryption salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, macSalt[:]); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate mac salt: %w", err)
	}

	iterations := 1 << iterationExponent
	encKey := pbkdf2.Key([]byte(passphrase), encSalt[:], iterations, keySize, sha256.New)
	macKey := pbkdf2.Key([]byte(passphrase), macSalt[:], iterations, keySize, sha256.New)

	km := KeyMaterial{
		Generic: GenericHeader{
			FormatVersion:     0,
			KeyDerivationType: KDPBKDF2,
			EncryptionType:    EncAES256GCM,
		},
		PBKDF2: &PBKDF2Params{
			IterationCountExponent: iterationExponent,
			EncryptionKeySalt:      encSalt,
			MACKeySalt:             macSalt,
		},
	}
	copy(km.EncryptionKey[:], encKey)
	copy(km.MACKey[:], macKey)
	return km, nil
}

// DeriveFromMasterKey derives an (encryption_key, mac_key) pair from a
// 32-byte master key using HKDF-SHA256 (RFC 5869): extract with a random
// salt, expand with the fixed info string.
func DeriveFromMasterKey(masterKey [keySize]byte) (KeyMaterial, error) {
	var encSalt, macSalt [32]byte
	if _, err := io.ReadFull(rand.Reader, encSalt[:]); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate encryption salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, macSalt[:]); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate mac salt: %w", err)
	}

	var encKey, macKey [keySize]byte
	if err := hkdfExpand(masterKey[:], encSalt[:], hkdfInfo, encKey[:]); err != nil {
		return KeyMaterial{}, fmt.Errorf("derive encryption key: %w", err)
	}
	if err := hkdfExpand(masterKey[:], macSalt[:], hkdfInfo, macKey[:]); err != nil {
		return KeyMaterial{}, fmt.Errorf("derive mac key: %w", err)
	}

	km := KeyMaterial{
		EncryptionKey: encKey,
		MACKey:        macKey,
		Generic: GenericHeader{
			FormatVersion:     0,
			KeyDerivationType: KDHKDFSHA256,
			EncryptionType:    EncAES256GCM,
		},
		HKDF: &HKDFParams{
			InfoSize:          uint8(len(hkdfInfo)),
			EncryptionKeySalt: encSalt,
			MACKeySalt:        macSalt,
		},
	}
	copy(km.HKDF.Info[:], hkdfInfo)
	return km, nil
}

func hkdfExpand(secret, salt, info, out []byte) error {
	reader := hkdf.New(sha256.New, secret, salt, info)
	_, err := io.ReadFull(reader, out)
	return err
}

// DirectMasterKey uses the master key directly as the encryption key with
// no derivation header, per the user opting into --encrypt_with_master_key.
func DirectMasterKey(masterKey [keySize]byte) KeyMaterial {
	return KeyMaterial{
		EncryptionKey: masterKey,
		Generic: GenericHeader{
			FormatVersion:     0,
			KeyDerivationType: KDNone,
			EncryptionType:    EncAES256GCM,
		},
	}
}

// Seal encrypts plaintext under AES-256-GCM with a fresh random nonce,
// returning the ciphertext (with GCM's tag appended) and the IV used, to
// be embedded in the bundle's AES256GCMParams header field.
func Seal(km KeyMaterial, plaintext []byte) (ciphertext []byte, iv [32]byte, err error) {
	block, err := aes.NewCipher(km.EncryptionKey[:])
	if err != nil {
		return nil, iv, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, iv, err
	}
	if _, err := io.ReadFull(rand.Reader, iv[:gcm.NonceSize()]); err != nil {
		return nil, iv, err
	}
	ciphertext = gcm.Seal(nil, iv[:gcm.NonceSize()], plaintext, nil)
	return ciphertext, iv, nil
}

// Open decrypts ciphertext produced by Seal.
func Open(km KeyMaterial, iv [32]byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(km.EncryptionKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv[:gcm.NonceSize()], ciphertext, nil)
}
