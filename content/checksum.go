// Package content computes content checksums for prototypes and keeps
// structured documents in their canonical shape.
package content

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Collections every structured document carries.
const (
	KeyPages  = "pages"
	KeyStyles = "styles"
	KeyAssets = "assets"
)

var requiredCollections = []string{KeyPages, KeyStyles, KeyAssets}

// Normalize returns a shallow copy of doc in which pages, styles and assets
// are always slices. Missing or non-array values become empty slices; any
// other keys are carried over untouched.
func Normalize(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+len(requiredCollections))
	for k, v := range doc {
		out[k] = v
	}
	for _, key := range requiredCollections {
		items, ok := out[key].([]any)
		if !ok || items == nil {
			items = []any{}
		}
		out[key] = items
	}
	return out
}

// ParseDocument decodes a JSON structured document and normalizes it.
// Malformed or non-object input yields the empty document.
func ParseDocument(raw []byte) map[string]any {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Normalize(nil)
	}
	return Normalize(doc)
}

// Marshal encodes a normalized copy of doc. Object keys come out sorted, so
// the result is canonical.
func Marshal(doc map[string]any) ([]byte, error) {
	return json.Marshal(Normalize(doc))
}

// Checksum returns the hex SHA-256 of the canonical encoding of the pair.
// Two documents that differ only in key order hash identically.
func Checksum(html string, doc map[string]any) string {
	canonical, err := json.Marshal(struct {
		HTML     string         `json:"html"`
		Document map[string]any `json:"document"`
	}{html, Normalize(doc)})
	if err != nil {
		// Values that cannot be encoded (channels, funcs) never come from
		// JSON input; hash the html alone rather than fail.
		canonical = []byte(html)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// IsEmpty reports whether the pair carries no content at all.
func IsEmpty(html string, doc map[string]any) bool {
	if strings.TrimSpace(html) != "" {
		return false
	}
	n := Normalize(doc)
	for _, key := range requiredCollections {
		if len(n[key].([]any)) > 0 {
			return false
		}
	}
	return true
}
