// Package digest computes hexadecimal content digests of upload chunks and of whole
// payloads through pluggable incremental hashers.
package digest

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Hasher is an incremental hash.
type Hasher interface {
	Update(p []byte) error
	Digest() (string, error)
}

// Initializer is implemented by hashers that need a setup step before the first Update.
type Initializer interface {
	Init() error
}

// Factory creates a fresh Hasher. It is called once per digest computation and must be
// safe to call concurrently.
type Factory func() Hasher

type stdHasher struct {
	h hash.Hash
}

func (s stdHasher) Update(p []byte) error {
	_, err := s.h.Write(p)
	return err
}

func (s stdHasher) Digest() (string, error) {
	return hex.EncodeToString(s.h.Sum(nil)), nil
}

// FromHash adapts a standard library style hash constructor.
func FromHash(newHash func() hash.Hash) Factory {
	return func() Hasher {
		return stdHasher{h: newHash()}
	}
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var (
	// SHA256 produces hex-encoded SHA-256 digests.
	SHA256 = FromHash(sha256.New)
	// MD5 produces hex-encoded MD5 digests.
	MD5 = FromHash(md5.New)
	// CRC32C produces hex-encoded CRC-32 (Castagnoli) checksums.
	CRC32C = FromHash(func() hash.Hash { return crc32.New(crc32cTable) })
	// XXHash64 produces hex-encoded xxHash64 digests.
	XXHash64 = FromHash(func() hash.Hash { return xxhash.New() })
)

// ByName returns the built-in factory registered under name.
func ByName(name string) (Factory, error) {
	switch strings.ToLower(name) {
	case "", "sha256":
		return SHA256, nil
	case "md5":
		return MD5, nil
	case "crc32c":
		return CRC32C, nil
	case "xxhash64":
		return XXHash64, nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", name)
	}
}

// Sum hashes data with a single hasher from factory.
func Sum(factory Factory, data []byte) (string, error) {
	h, err := newHasher(factory)
	if err != nil {
		return "", err
	}
	if err := h.Update(data); err != nil {
		return "", fmt.Errorf("update: %w", err)
	}
	return h.Digest()
}

func newHasher(factory Factory) (Hasher, error) {
	h := factory()
	if in, ok := h.(Initializer); ok {
		if err := in.Init(); err != nil {
			return nil, fmt.Errorf("init: %w", err)
		}
	}
	return h, nil
}
