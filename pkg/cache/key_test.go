package cache

import (
	"strings"
	"testing"
)

func TestKey_String(t *testing.T) {
	query := "SELECT ?city WHERE { ?city wdt:P31 wd:Q515 }"

	tests := []struct {
		name       string
		key        Key
		wantPrefix string
	}{
		{
			name:       "full endpoint url",
			key:        Key{Endpoint: "https://query.wikidata.org/sparql", Query: query},
			wantPrefix: "sparql:query.wikidata.org/sparql:",
		},
		{
			name:       "trailing slash trimmed",
			key:        Key{Endpoint: "https://query.wikidata.org/sparql/", Query: query},
			wantPrefix: "sparql:query.wikidata.org/sparql:",
		},
		{
			name:       "non-url endpoint kept verbatim",
			key:        Key{Endpoint: "local", Query: query},
			wantPrefix: "sparql:local:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.key.String()
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("String() = %q, want prefix %q", got, tt.wantPrefix)
			}
			// sha256 hex digest
			if len(got)-len(tt.wantPrefix) != 64 {
				t.Errorf("String() = %q, expected 64 hex chars after prefix", got)
			}
		})
	}
}

func TestKey_Deterministic(t *testing.T) {
	a := Key{Endpoint: "https://query.wikidata.org/sparql", Query: "SELECT ?x\n  WHERE { ?x ?p ?o }"}
	b := Key{Endpoint: "https://query.wikidata.org/sparql", Query: "\tSELECT ?x  \n\n\tWHERE { ?x ?p ?o }\n"}
	c := Key{Endpoint: "https://query.wikidata.org/sparql", Query: "SELECT ?y WHERE { ?y ?p ?o }"}

	if a.String() != b.String() {
		t.Errorf("Indentation-only differences should produce the same key: %q vs %q", a.String(), b.String())
	}
	if a.String() == c.String() {
		t.Error("Different queries must produce different keys")
	}
}

func TestNormalizeQuery(t *testing.T) {
	got := NormalizeQuery("  SELECT ?a\r\n\tWHERE {\n\n  ?a ?b ?c .\n}  ")
	want := "SELECT ?a\nWHERE {\n?a ?b ?c .\n}"
	if got != want {
		t.Errorf("NormalizeQuery() = %q, want %q", got, want)
	}
}

func TestKey_LiteralWhitespaceMatters(t *testing.T) {
	a := Key{Endpoint: "https://query.wikidata.org/sparql", Query: `SELECT ?x WHERE { ?x rdfs:label "New York"@en }`}
	b := Key{Endpoint: "https://query.wikidata.org/sparql", Query: `SELECT ?x WHERE { ?x rdfs:label "New  York"@en }`}

	if a.String() == b.String() {
		t.Error("Queries differing inside a literal must produce different keys")
	}

	indented := Key{Endpoint: a.Endpoint, Query: "\n    " + a.Query + "\n"}
	if a.String() != indented.String() {
		t.Error("Indentation must not change the key")
	}
}
