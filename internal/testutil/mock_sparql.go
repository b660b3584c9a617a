// Package testutil provides a mock SPARQL endpoint for tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

type route struct {
	contains string
	handler  http.HandlerFunc
}

// MockSPARQL is a configurable mock SPARQL endpoint. Handlers are selected
// by a substring of the query text, first registered match wins.
type MockSPARQL struct {
	server *httptest.Server
	mu     sync.RWMutex
	routes []route

	requestCount      int
	queries           []string
	lastRequestHeader http.Header
	lastMethod        string
}

// NewMockSPARQL creates a new mock endpoint.
func NewMockSPARQL() *MockSPARQL {
	mock := &MockSPARQL{}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		if query == "" && r.Method == http.MethodPost {
			query = r.PostFormValue("query")
		}

		mock.mu.Lock()
		mock.requestCount++
		mock.queries = append(mock.queries, query)
		mock.lastRequestHeader = r.Header.Clone()
		mock.lastMethod = r.Method
		mock.mu.Unlock()

		mock.mu.RLock()
		var handler http.HandlerFunc
		for _, rt := range mock.routes {
			if strings.Contains(query, rt.contains) {
				handler = rt.handler
				break
			}
		}
		mock.mu.RUnlock()

		if handler != nil {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock endpoint URL.
func (m *MockSPARQL) URL() string {
	return m.server.URL + "/sparql"
}

// Close shuts down the mock server.
func (m *MockSPARQL) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockSPARQL) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.queries = nil
	m.lastRequestHeader = nil
	m.lastMethod = ""
}

// SetHandler sets a custom handler for queries containing the given text.
func (m *MockSPARQL) SetHandler(contains string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rt := range m.routes {
		if rt.contains == contains {
			m.routes[i].handler = handler
			return
		}
	}
	m.routes = append(m.routes, route{contains: contains, handler: handler})
}

// SetResponse configures a fixed response for queries containing the given text.
func (m *MockSPARQL) SetResponse(contains string, resp MockResponse) {
	m.SetHandler(contains, resp.write)
}

// FailThenSucceed answers the first n matching queries with failure and
// every later one with success.
func (m *MockSPARQL) FailThenSucceed(contains string, n int, failure, success MockResponse) {
	var mu sync.Mutex
	calls := 0
	m.SetHandler(contains, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		current := calls
		mu.Unlock()

		if current <= n {
			failure.write(w, r)
			return
		}
		success.write(w, r)
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSPARQL) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// CountQueries returns how many received queries contain the given text.
func (m *MockSPARQL) CountQueries(contains string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, q := range m.queries {
		if strings.Contains(q, contains) {
			n++
		}
	}
	return n
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockSPARQL) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

// LastMethod returns the HTTP method of the most recent request.
func (m *MockSPARQL) LastMethod() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastMethod
}

func (r MockResponse) write(w http.ResponseWriter, _ *http.Request) {
	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	for key, value := range r.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(r.StatusCode)
	if r.Body != "" {
		w.Write([]byte(r.Body))
	}
}

// defaultHandler answers every unmatched query with an empty result set.
func (m *MockSPARQL) defaultHandler(w http.ResponseWriter, r *http.Request) {
	NewResultsResponse(nil, nil).write(w, r)
}

// NewResultsResponse creates a 200 response carrying SPARQL JSON results.
// Values starting with http are typed as URIs, everything else as literals.
func NewResultsResponse(vars []string, rows []map[string]string) MockResponse {
	type term struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}

	bindings := make([]map[string]term, 0, len(rows))
	for _, row := range rows {
		b := make(map[string]term, len(row))
		for k, v := range row {
			typ := "literal"
			if strings.HasPrefix(v, "http") {
				typ = "uri"
			}
			b[k] = term{Type: typ, Value: v}
		}
		bindings = append(bindings, b)
	}
	if vars == nil {
		vars = []string{}
	}

	doc := map[string]any{
		"head":    map[string]any{"vars": vars},
		"results": map[string]any{"bindings": bindings},
	}
	body, _ := json.Marshal(doc)

	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type": "application/sparql-results+json;charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 response like a query timeout.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "java.util.concurrent.TimeoutException\n\tat java.util.concurrent.FutureTask.get",
		Headers:    map[string]string{"Content-Type": "text/plain"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	headers := map[string]string{"Content-Type": "text/plain"}
	if retryAfter != "" {
		headers["Retry-After"] = retryAfter
	}
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       "Too Many Requests - Please retry in " + retryAfter + " seconds.",
		Headers:    headers,
	}
}

// NewBadRequestResponse creates a 400 response for a malformed query.
func NewBadRequestResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       "MalformedQueryException: Encountered \" \"}\" \"} \"\" at line 1",
		Headers:    map[string]string{"Content-Type": "text/plain"},
	}
}

// NewTruncatedResponse creates a 200 response whose JSON body is cut off.
func NewTruncatedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"head":{"vars":["city"]},"results":{"bindings":[{"city":{"type":"uri","val`,
		Headers:    map[string]string{"Content-Type": "application/sparql-results+json"},
	}
}
