// Package checksum provides the named digest algorithms used to fingerprint bitstreams.
package checksum

import (
	"crypto/md5"  //nolint:gosec // MD5 is the historical bitstream checksum, not a security boundary
	"crypto/sha1" //nolint:gosec // kept for checksums imported from older repositories
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Algorithm names as recorded in the metadata store.
const (
	MD5        = "MD5"
	SHA1       = "SHA-1"
	SHA256     = "SHA-256"
	SHA512     = "SHA-512"
	BLAKE2b256 = "BLAKE2b-256"
	XXH64      = "XXH64"
)

// Default is the algorithm used for new bitstreams unless configured otherwise.
const Default = MD5

// ErrUnknownAlgorithm is returned for algorithm names that are not supported.
var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

var constructors = map[string]func() hash.Hash{
	MD5:    md5.New,
	SHA1:   sha1.New,
	SHA256: sha256.New,
	SHA512: sha512.New,
	BLAKE2b256: func() hash.Hash {
		h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
		return h
	},
	XXH64: func() hash.Hash { return xxhash.New() },
}

// aliases maps loosely written names ("sha256", "md5") to canonical ones.
var aliases = map[string]string{
	"MD5":         MD5,
	"SHA1":        SHA1,
	"SHA-1":       SHA1,
	"SHA256":      SHA256,
	"SHA-256":     SHA256,
	"SHA512":      SHA512,
	"SHA-512":     SHA512,
	"BLAKE2B":     BLAKE2b256,
	"BLAKE2B-256": BLAKE2b256,
	"BLAKE2B256":  BLAKE2b256,
	"XXH64":       XXH64,
	"XXHASH":      XXH64,
}

// Canonical returns the canonical spelling of an algorithm name.
func Canonical(name string) (string, error) {
	canon, ok := aliases[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return canon, nil
}

// Supported reports whether name (in any accepted spelling) is a known algorithm.
func Supported(name string) bool {
	_, err := Canonical(name)
	return err == nil
}

// Names returns the canonical names of all supported algorithms, sorted.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns a fresh hash for the named algorithm.
func New(name string) (hash.Hash, error) {
	canon, err := Canonical(name)
	if err != nil {
		return nil, err
	}
	return constructors[canon](), nil
}

// Digest reads r to EOF and returns the hex digest and the number of bytes read.
func Digest(r io.Reader, name string) (string, int64, error) {
	h, err := New(name)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("read content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Sum returns the hex digest of data.
func Sum(data []byte, name string) (string, error) {
	h, err := New(name)
	if err != nil {
		return "", err
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equal compares two hex digests case-insensitively.
func Equal(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
