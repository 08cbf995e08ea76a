package images

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// Digest is a content digest in "algorithm:hex" format (e.g. "sha256:abcdef...").
type Digest string

// NewDigest creates a Digest from a raw hex string, prefixing "sha256:".
func NewDigest(hex string) Digest {
	return Digest("sha256:" + hex)
}

// Hex returns the hex portion of the digest, stripping the algorithm prefix.
func (d Digest) Hex() string {
	return strings.TrimPrefix(string(d), "sha256:")
}

func (d Digest) String() string {
	return string(d)
}

func newHasher() hash.Hash { return sha256.New() }

func digestOf(h hash.Hash) Digest { return NewDigest(hex.EncodeToString(h.Sum(nil))) }
