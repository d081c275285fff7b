package ir

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content digests.
// Version suffix enables future algorithm migration.
const (
	DomainQueryKey = "entsync/querykey/v1"
	DomainSnapshot = "entsync/snapshot/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// QueryKeyDigest returns the digest of an already canonical query key.
func QueryKeyDigest(canonicalKey string) string {
	return hashWithDomain(DomainQueryKey, []byte(canonicalKey))
}

// SnapshotDigest returns the digest of uncompressed snapshot bytes.
// The persistence loop compares digests to skip unchanged snapshots.
func SnapshotDigest(data []byte) string {
	return hashWithDomain(DomainSnapshot, data)
}
