package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainRecord prefixes versioned record digests.
// The version suffix leaves room for an algorithm migration.
const DomainRecord = "funnel/record/v1"

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash returns the hex digest of the canonical form of v under domain.
func Hash(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, data), nil
}

// ContentHash is the digest stored next to every versioned record.
// Two payloads that differ only in key order or whitespace hash the same.
func ContentHash(payload any) (string, error) {
	return Hash(DomainRecord, payload)
}
