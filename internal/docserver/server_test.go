package docserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	srv := NewServer(store, &Config{APIKey: apiKey})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func request(t *testing.T, method, url string, body any, header http.Header) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_CRUD(t *testing.T) {
	ts, store := newTestServer(t, "")
	base := ts.URL + "/v1/collections/features/docs"

	resp := request(t, http.MethodPut, base+"/f1", map[string]any{"name": "Search", "createdBy": "u1"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}
	stored, err := store.Get(context.Background(), "features", "f1")
	if err != nil {
		t.Fatal(err)
	}
	if stored["id"] != "f1" {
		t.Errorf("stored id = %v, want path id", stored["id"])
	}

	resp = request(t, http.MethodPatch, base+"/f1", map[string]any{"name": "Search v2"}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PATCH status = %d", resp.StatusCode)
	}

	resp = request(t, http.MethodGet, base+"/f1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["name"] != "Search v2" || got["createdBy"] != "u1" {
		t.Errorf("GET body = %v", got)
	}

	resp = request(t, http.MethodDelete, base+"/f1", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}
	resp = request(t, http.MethodDelete, base+"/f1", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_NotFoundAndBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, "")
	base := ts.URL + "/v1/collections/features/docs"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"get missing", http.MethodGet, "/nope", nil, http.StatusNotFound},
		{"patch missing", http.MethodPatch, "/nope", map[string]any{"name": "x"}, http.StatusNotFound},
		{"id mismatch", http.MethodPut, "/a", map[string]any{"id": "b"}, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "?limit=-1", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := request(t, tt.method, base+tt.path, tt.body, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	req, _ := http.NewRequest(http.MethodPut, base+"/x", strings.NewReader("[1,2]"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("array body status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_ListByOwner(t *testing.T) {
	ts, store := newTestServer(t, "")
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, owner := range []string{"u1", "u2", "u1"} {
		id := string(rune('a' + i))
		_ = store.Set(ctx, "features", id, Document{
			"id": id, "createdBy": owner, "createdAt": now.Add(time.Duration(i) * time.Hour).Format(time.RFC3339Nano),
		})
	}

	resp := request(t, http.MethodGet, ts.URL+"/v1/collections/features/docs?createdBy=u1", nil, nil)
	var body struct {
		Documents []map[string]any `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Documents) != 2 || body.Documents[0]["id"] != "c" || body.Documents[1]["id"] != "a" {
		t.Errorf("documents = %v", body.Documents)
	}
}

func TestServer_APIKey(t *testing.T) {
	ts, _ := newTestServer(t, "s3cret")
	url := ts.URL + "/v1/collections/features/docs"

	if resp := request(t, http.MethodGet, url, nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", resp.StatusCode)
	}
	h := http.Header{"Authorization": {"Bearer s3cret"}}
	if resp := request(t, http.MethodGet, url, nil, h); resp.StatusCode != http.StatusOK {
		t.Errorf("valid key status = %d, want 200", resp.StatusCode)
	}
	// Health stays open without a key.
	if resp := request(t, http.MethodGet, ts.URL+"/healthz", nil, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(NewMemoryStore(), &Config{Addr: "127.0.0.1:0"})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var h map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&h)
	resp.Body.Close()
	if h["api_version"] != APIVersion {
		t.Errorf("api_version = %q", h["api_version"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}
