package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lilycore/gateway-core/internal/registry"
)

type fixedKeys struct{ keys []string }

func (f *fixedKeys) NextKey() string {
	if len(f.keys) == 0 {
		return ""
	}
	k := f.keys[0]
	f.keys = append(f.keys[1:], k)
	return k
}

func TestCallReturnsFirstCandidateText(t *testing.T) {
	var gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		json.NewEncoder(w).Encode(Response{
			Candidates: []Candidate{{Content: Content{Parts: []Part{{Text: "FINAL_RESPONSE:hi"}}}}},
		})
	}))
	defer ts.Close()

	c := NewClient(&fixedKeys{keys: []string{"k1"}}, "gemini-test")
	c.HTTP = ts.Client()
	// redirect the endpoint template target by overriding Model isn't enough;
	// use a client pointed at the test server via a custom round tripper.
	c.HTTP.Transport = rewriteHost(ts.URL)

	resp := c.Call(context.Background(), "hello", nil)
	if resp.FirstText() != "FINAL_RESPONSE:hi" {
		t.Fatalf("got %q", resp.FirstText())
	}
	if gotKey != "k1" {
		t.Fatalf("expected rotated key k1, got %q", gotKey)
	}
}

func TestCallReturnsEmptyResponseOnNon200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewClient(&fixedKeys{keys: []string{"k1"}}, "gemini-test")
	c.HTTP = ts.Client()
	c.HTTP.Transport = rewriteHost(ts.URL)

	resp := c.Call(context.Background(), "hello", nil)
	if resp.FirstText() != "" {
		t.Fatalf("expected empty response on 500, got %q", resp.FirstText())
	}
}

func TestCallWithoutKeysStillSendsRequest(t *testing.T) {
	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(Response{})
	}))
	defer ts.Close()

	c := NewClient(nil, "gemini-test")
	c.HTTP = ts.Client()
	c.HTTP.Transport = rewriteHost(ts.URL)

	resp := c.Call(context.Background(), "hello", []registry.Tool{{Name: "search", Description: "web search"}})
	if !called {
		t.Fatalf("expected the request to reach the server without any keys")
	}
	if resp.FirstText() != "" {
		t.Fatalf("expected empty candidates, got %q", resp.FirstText())
	}
}

// rewriteHost returns a RoundTripper that sends every request to target's
// host instead of the real Gemini endpoint, so Client.Call can be tested
// without a network dependency.
type rewriteTransport struct{ targetURL string }

func rewriteHost(targetURL string) http.RoundTripper {
	return &rewriteTransport{targetURL: targetURL}
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, err := http.NewRequest(req.Method, rt.targetURL, req.Body)
	if err != nil {
		return nil, err
	}
	target.Header = req.Header
	target.URL.RawQuery = req.URL.RawQuery
	target = target.WithContext(req.Context())
	return http.DefaultTransport.RoundTrip(target)
}
