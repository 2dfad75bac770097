// Package integrity computes content digests of mirrored files.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// BlockSize is the read size used when streaming files through the digest.
const BlockSize = 8192

// Hash streams r through SHA-256 in BlockSize reads and returns the hex digest.
func Hash(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, BlockSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the hex SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	sum, err := Hash(f)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return sum, nil
}

// ExpectedDigest extracts the "#sha256=<hex>" annotation package indexes put on
// their links. Other hash names are ignored.
func ExpectedDigest(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Fragment == "" {
		return "", false
	}

	values, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return "", false
	}

	digest := strings.ToLower(values.Get("sha256"))
	if len(digest) != sha256.Size*2 {
		return "", false
	}

	if _, err := hex.DecodeString(digest); err != nil {
		return "", false
	}

	return digest, true
}
