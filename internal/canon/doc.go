// Package canon provides the canonical JSON form, content hashing and
// structural diffing used by the versioned store.
//
// Payloads coming from external sources are opaque JSON documents. Two
// documents that differ only in key order, insignificant whitespace,
// numeric spelling (10 vs 10.0) or Unicode normalization form produce the
// same canonical bytes and therefore the same content hash.
//
// Canonical form follows RFC 8785:
//   - object keys sorted by UTF-16 code units
//   - no HTML escaping, U+2028/U+2029 emitted literally
//   - strings NFC normalized
//   - numbers in their shortest round-trip form
//
// Unlike RFC 8785 strict mode, null is allowed: external entities carry
// explicit nulls and dropping them would hide real changes.
package canon
