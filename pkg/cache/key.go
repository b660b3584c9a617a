package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// Key identifies a cached query response.
type Key struct {
	// Endpoint is the SPARQL endpoint URL.
	Endpoint string

	// Query is the SPARQL query text.
	Query string
}

// String generates a deterministic cache key string.
// Format: sparql:<endpoint host+path>:<sha256 of the normalised query>
//
// Example:
//
//	sparql:query.wikidata.org/sparql:3f1c...
func (k Key) String() string {
	endpoint := k.Endpoint
	if u, err := url.Parse(k.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host + u.Path
	}
	endpoint = strings.Trim(endpoint, "/")

	sum := sha256.Sum256([]byte(NormalizeQuery(k.Query)))
	return "sparql:" + endpoint + ":" + hex.EncodeToString(sum[:])
}

// NormalizeQuery trims every line and drops blank ones so indentation
// changes in a query template do not invalidate cached responses. Spacing
// inside a line is kept, as it may belong to a string literal.
func NormalizeQuery(query string) string {
	lines := strings.Split(query, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
