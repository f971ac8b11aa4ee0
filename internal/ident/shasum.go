package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// FileSHA256 computes the SHA-256 checksum of the file at path, rendered as
// lowercase hex. This matches the upstream source archive's own shasum
// convention (SHA-256), distinct from the BLAKE3 digests this package
// computes for its own fingerprints.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 - path is supplied by plan metadata under caller control
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
