// Package testutil provides testing utilities for the collector,
// chiefly a scripted mock orchestrator.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// PageScript defines one page of a scripted collection walk.
type PageScript struct {
	// Records are the raw JSON values of the page's "data" array.
	Records []string

	// Delay is slept before responding.
	Delay time.Duration

	// FailuresBefore is how many times this page answers with FailStatus
	// before succeeding. Attempts are counted per page.
	FailuresBefore int

	// FailStatus is the status code for injected failures. Default 500.
	FailStatus int

	// RetryAfter, when non-empty, is sent as the Retry-After header on
	// injected failures.
	RetryAfter string

	// RawBody, when non-empty, is sent verbatim with status 200 instead
	// of the envelope. Used to simulate malformed responses.
	RawBody string
}

// MockVCO is a configurable mock orchestrator for testing. Pages are
// scripted per endpoint path and chained with generated nextPageLink
// tokens, optionally keyed by the request's interval start so sub-window
// fan-out can be scripted per window.
type MockVCO struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	pages    map[string][]PageScript
	attempts map[string]int

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
	Bodies            []map[string]any
}

// basePath mirrors the orchestrator portal prefix.
const basePath = "/portal/rest/"

// NewMockVCO creates a new mock orchestrator server.
func NewMockVCO() *MockVCO {
	mock := &MockVCO{
		handlers: make(map[string]http.HandlerFunc),
		pages:    make(map[string][]PageScript),
		attempts: make(map[string]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// BaseURL returns the mock API base, ready for the client config.
func (m *MockVCO) BaseURL() string {
	return m.server.URL + basePath
}

// Close shuts down the mock server.
func (m *MockVCO) Close() {
	m.server.Close()
}

// SetHandler installs a custom handler for an endpoint path, bypassing
// the page scripting.
func (m *MockVCO) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetPages scripts the page chain served for an endpoint path,
// regardless of the requested interval.
func (m *MockVCO) SetPages(path string, pages []PageScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[path] = pages
}

// SetWindowPages scripts the page chain served for an endpoint path when
// the request interval starts at the given key. The key is the wire form
// of the interval start: epoch milliseconds for events, the formatted
// timestamp for flows.
func (m *MockVCO) SetWindowPages(path, windowKey string, pages []PageScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[path+"|"+windowKey] = pages
}

// GetRequestCount returns the number of requests the server handled.
func (m *MockVCO) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// GetBodies returns the decoded request bodies in arrival order.
func (m *MockVCO) GetBodies() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.Bodies))
	copy(out, m.Bodies)
	return out
}

func (m *MockVCO) handle(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	_ = json.NewDecoder(r.Body).Decode(&req)

	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()
	m.Bodies = append(m.Bodies, req)
	path := strings.TrimPrefix(r.URL.Path, basePath)
	handler := m.handlers[path]
	m.mu.Unlock()

	if handler != nil {
		handler(w, r)
		return
	}
	m.servePage(w, r, path, req)
}

// servePage resolves the scripted page for the request and answers with
// the orchestrator envelope.
func (m *MockVCO) servePage(w http.ResponseWriter, r *http.Request, path string, req map[string]any) {
	windowKey := intervalStartKey(req)
	idx := 0
	if token, ok := req["nextPageLink"].(string); ok && token != "" {
		key, n, err := parseToken(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		windowKey, idx = key, n
	}

	m.mu.Lock()
	scripts, ok := m.pages[path+"|"+windowKey]
	if !ok {
		scripts = m.pages[path]
	}
	if scripts == nil || idx >= len(scripts) {
		m.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	script := scripts[idx]
	attemptKey := fmt.Sprintf("%s|%s|%d", path, windowKey, idx)
	failed := m.attempts[attemptKey]
	if failed < script.FailuresBefore {
		m.attempts[attemptKey]++
	}
	m.mu.Unlock()

	if script.Delay > 0 {
		time.Sleep(script.Delay)
	}

	if failed < script.FailuresBefore {
		status := script.FailStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		if script.RetryAfter != "" {
			w.Header().Set("Retry-After", script.RetryAfter)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error": "injected failure %d"}`, failed+1)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if script.RawBody != "" {
		w.Write([]byte(script.RawBody))
		return
	}

	more := idx+1 < len(scripts)
	var sb strings.Builder
	sb.WriteString(`{"data": [`)
	sb.WriteString(strings.Join(script.Records, ","))
	sb.WriteString(`], "metaData": {"more": `)
	sb.WriteString(strconv.FormatBool(more))
	if more {
		fmt.Fprintf(&sb, `, "nextPageLink": %q`, makeToken(windowKey, idx+1))
	}
	sb.WriteString(`}}`)
	w.Write([]byte(sb.String()))
}

// makeToken builds the continuation token chaining to page idx of the
// given window.
func makeToken(windowKey string, idx int) string {
	return fmt.Sprintf("%s|%d", windowKey, idx)
}

func parseToken(token string) (string, int, error) {
	cut := strings.LastIndex(token, "|")
	if cut < 0 {
		return "", 0, fmt.Errorf("bad token %q", token)
	}
	idx, err := strconv.Atoi(token[cut+1:])
	if err != nil {
		return "", 0, fmt.Errorf("bad token %q", token)
	}
	return token[:cut], idx, nil
}

// intervalStartKey extracts the wire form of the request interval start:
// a number for the events call, a string for the flows call.
func intervalStartKey(req map[string]any) string {
	interval, ok := req["interval"].(map[string]any)
	if !ok {
		return ""
	}
	switch start := interval["start"].(type) {
	case float64:
		return strconv.FormatInt(int64(start), 10)
	case string:
		return start
	default:
		return ""
	}
}

// EventRecords builds n sequential event records tagged with the window
// and page they belong to, so tests can assert output ordering.
func EventRecords(window, page, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf(`{"window": %d, "page": %d, "row": %d}`, window, page, i))
	}
	return out
}
