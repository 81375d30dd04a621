package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEmbed_HeadersMapAuthorization(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token abc" {
			t.Fatalf("expected Authorization header Token abc, got %q", got)
		}
		resp := map[string]interface{}{"data": []map[string]interface{}{{"embedding": []float32{0.1}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL, Path: "/", Model: "m", Headers: map[string]string{"Authorization": "Token abc"}})
	if _, err := c.Embed(context.Background(), "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEmbed_LegacyAuthorization(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("expected Authorization header Bearer secret, got %q", got)
		}
		resp := map[string]interface{}{"data": []map[string]interface{}{{"embedding": []float32{0.1}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL, Path: "/", Model: "m", APIHeader: "Authorization", APIKey: "secret"})
	if _, err := c.Embed(context.Background(), "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEmbedBatch_CountMismatchErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{"data": []map[string]interface{}{{"embedding": []float32{0.1}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL, Path: "/", Model: "m"})
	_, err := c.EmbedBatch(context.Background(), []string{"x", "y"})
	if err == nil {
		t.Fatal("expected error on embedding count mismatch")
	}
}

func TestCheckReachability_NonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL, Path: "/", Model: "m"})
	if err := c.CheckReachability(context.Background()); err == nil {
		t.Fatal("expected reachability check to fail")
	}
}
