package sparql

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Result is a decoded SPARQL 1.1 JSON results document.
type Result struct {
	Head    Head       `json:"head"`
	Results *ResultSet `json:"results"`
}

// Head lists the projected variables in SELECT order.
type Head struct {
	Vars []string `json:"vars"`
}

// ResultSet holds the solutions.
type ResultSet struct {
	Bindings []Binding `json:"bindings"`
}

// Binding maps variable names to their bound terms. Unbound OPTIONAL
// variables are absent.
type Binding map[string]Term

// Term is one RDF term in a binding.
type Term struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Lang     string `json:"xml:lang,omitempty"`
	Datatype string `json:"datatype,omitempty"`
}

// Vars returns the projected variables.
func (r *Result) Vars() []string {
	return r.Head.Vars
}

// Len returns the number of solutions.
func (r *Result) Len() int {
	if r.Results == nil {
		return 0
	}
	return len(r.Results.Bindings)
}

// Rows flattens each solution into variable -> value. Term metadata
// (type, language, datatype) is dropped.
func (r *Result) Rows() []map[string]string {
	rows := make([]map[string]string, 0, r.Len())
	if r.Results == nil {
		return rows
	}
	for _, b := range r.Results.Bindings {
		row := make(map[string]string, len(b))
		for name, term := range b {
			row[name] = term.Value
		}
		rows = append(rows, row)
	}
	return rows
}

// DecodeResult parses a SPARQL JSON results body. A body without a results
// member is rejected, which also catches truncated responses.
func DecodeResult(data []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode sparql results: %w", err)
	}
	if res.Results == nil {
		return nil, errors.New("decode sparql results: missing results member")
	}
	return &res, nil
}
