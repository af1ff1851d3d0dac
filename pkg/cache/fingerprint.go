package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// FingerprintSize is the length of a hex-encoded fingerprint or key.
const FingerprintSize = sha256.Size * 2

// Fingerprint streams the file at path through SHA-256 and returns the hex
// digest.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &FileError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &FileError{Op: "read", Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintBytes digests content already held in memory. It matches
// Fingerprint for the same bytes.
func FingerprintBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key derives the cache key for a fingerprint and parameter set.
func Key(fingerprint string, params Parameters) (string, error) {
	canonical, err := params.Canonical()
	if err != nil {
		return "", err
	}
	return KeyFromCanonical(fingerprint, canonical), nil
}

// KeyFromCanonical derives the key from an already canonical parameter
// string. Fields are length-prefixed so that no concatenation of fingerprint
// and parameters can collide with another.
func KeyFromCanonical(fingerprint, canonical string) string {
	h := sha256.New()
	writeField(h, []byte(fingerprint))
	writeField(h, []byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	h.Write(prefix[:])
	h.Write(data)
}
