package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strings"
)

const masterKeySize = 32

// LoadAWSSecretKey reads and trims the AWS secret key from cfg.AWSSecretKeyFile.
// Length must be exactly 40 characters.
func (cfg *Config) LoadAWSSecretKey() (string, error) {
	if cfg.AWSSecretKeyFile == "" {
		return "", fmt.Errorf("config: aws_secret_key_file not set")
	}
	raw, err := os.ReadFile(cfg.AWSSecretKeyFile)
	if err != nil {
		return "", fmt.Errorf("config: read aws_secret_key_file: %w", err)
	}
	key := strings.TrimSpace(string(raw))
	if len(key) != 40 {
		return "", fmt.Errorf("config: aws secret key must be 40 characters, got %d", len(key))
	}
	return key, nil
}

// LoadOrGenerateMasterKey implements the --generate_new_master_key and
// --master_key_file pre-flight steps, failing fast before the pipeline
// starts. It refuses to overwrite an existing key file when generation is
// requested.
func (cfg *Config) LoadOrGenerateMasterKey() ([masterKeySize]byte, error) {
	var key [masterKeySize]byte

	if cfg.GenerateNewMasterKey {
		if cfg.MasterKeyFile == "" {
			return key, errors.New("config: --generate_new_master_key requires --master_key_file")
		}
		if _, err := os.Stat(cfg.MasterKeyFile); err == nil {
			return key, fmt.Errorf("config: refusing to overwrite existing master key file %q", cfg.MasterKeyFile)
		} else if !os.IsNotExist(err) {
			return key, fmt.Errorf("config: stat master_key_file: %w", err)
		}
		if _, err := rand.Read(key[:]); err != nil {
			return key, fmt.Errorf("config: generate master key: %w", err)
		}
		if err := os.WriteFile(cfg.MasterKeyFile, key[:], 0o600); err != nil {
			return key, fmt.Errorf("config: write master_key_file: %w", err)
		}
		return key, nil
	}

	if cfg.MasterKeyFile == "" {
		return key, errors.New("config: master_key_file not set")
	}
	raw, err := os.ReadFile(cfg.MasterKeyFile)
	if err != nil {
		return key, fmt.Errorf("config: read master_key_file: %w", err)
	}
	if len(raw) != masterKeySize {
		return key, fmt.Errorf("config: master key must be %d bytes, got %d", masterKeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
