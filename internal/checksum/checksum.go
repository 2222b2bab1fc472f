// Package checksum names the hash algorithms used for whole-file and per-chunk
// content hashes and computes their lower-case hex digests.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

type Algorithm string

const (
	MD5        Algorithm = "md5"
	SHA1       Algorithm = "sha1"
	SHA256     Algorithm = "sha256"
	BLAKE2B256 Algorithm = "blake2b256"
)

// Algorithms maps every supported algorithm to its constructor.
var Algorithms = map[Algorithm]func() hash.Hash{
	MD5:    md5.New,
	SHA1:   sha1.New,
	SHA256: sha256.New,
	BLAKE2B256: func() hash.Hash {
		// An unkeyed blake2b never fails.
		h, _ := blake2b.New256(nil)
		return h
	},
}

// GetAlgorithm normalizes name ("SHA-256", "blake2b_256") and looks it up.
func GetAlgorithm(name string) (Algorithm, bool) {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	algo := Algorithm(b.String())
	_, ok := Algorithms[algo]
	return algo, ok
}

// New returns a fresh hash for algo.
func New(algo Algorithm) (hash.Hash, error) {
	fn, ok := Algorithms[algo]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm %q", algo)
	}
	return fn(), nil
}

// Sum hashes data in one go.
func Sum(algo Algorithm, data []byte) (string, error) {
	h, err := New(algo)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return Hex(h), nil
}

// Hex returns the hex digest accumulated in h.
func Hex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
