package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// BuildUserScopedKey derives a deterministic cache key for a user-scoped
// read. Query parameters are canonicalized (lowercased names, sorted
// names and values) so equivalent requests collapse to one key.
func BuildUserScopedKey(route, userID string, query url.Values) string {
	sig := querySignature(query)
	sum := sha256.Sum256([]byte(sig))
	return route + "|" + userID + "|" + hex.EncodeToString(sum[:8])
}

func querySignature(query url.Values) string {
	if len(query) == 0 {
		return ""
	}

	canonical := make(map[string][]string, len(query))
	for name, values := range query {
		name = strings.ToLower(name)
		sorted := append([]string(nil), values...)
		sort.Strings(sorted)
		canonical[name] = append(canonical[name], sorted...)
	}

	names := make([]string, 0, len(canonical))
	for name := range canonical {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		values := canonical[name]
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('&')
		}
	}
	return b.String()
}
