// Package embedding provides an HTTP client for a remote embedding
// endpoint (OpenAI-compatible /embeddings contract), implementing
// retrieval.QueryEmbedder for the vector leg.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tribrid/fusionengine/internal/observability"
)

// Config carries the connection details for one remote embedding endpoint.
// It is intentionally separate from the C10 configuration snapshot: the
// snapshot's lateembed.Config governs chunk-time embedding policy
// (dimension, token budgets), while this Config governs transport only.
type Config struct {
	BaseURL   string
	Path      string
	Model     string
	APIHeader string // header name to carry APIKey in, e.g. "Authorization"
	APIKey    string
	Headers   map[string]string // extra headers, applied after APIHeader/APIKey
	Timeout   time.Duration
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Client implements retrieval.QueryEmbedder against a remote HTTP endpoint.
type Client struct {
	Config Config
	HTTP   *http.Client
}

// NewClient constructs a Client with an otelhttp-instrumented default
// transport.
func NewClient(cfg Config) *Client {
	return &Client{Config: cfg, HTTP: observability.NewHTTPClient(nil)}
}

// Embed satisfies retrieval.QueryEmbedder for a single query string.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds multiple inputs in one request, used by the indexing
// path to embed a document's chunks together.
func (c *Client) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	return c.embedBatch(ctx, inputs)
}

func (c *Client) embedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("embedding: no inputs")
	}
	reqBody, err := json.Marshal(embedReq{Model: c.Config.Model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	timeout := c.Config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.Config.BaseURL + c.Config.Path
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	if c.Config.APIHeader == "Authorization" && c.Config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.Config.APIKey)
	} else if c.Config.APIHeader != "" {
		req.Header.Set(c.Config.APIHeader, c.Config.APIKey)
	}
	for k, v := range c.Config.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding: read response body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embedding: status %s: %s", resp.Status, string(bodyBytes))
	}

	var er embedResp
	if err := json.Unmarshal(bodyBytes, &er); err != nil {
		n := len(bodyBytes)
		if n > 200 {
			n = 200
		}
		return nil, fmt.Errorf("embedding: parse response (input count %d, body %s): %w", len(inputs), string(bodyBytes[:n]), err)
	}
	if len(er.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding: unexpected embedding count: got %d, want %d", len(er.Data), len(inputs))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

// CheckReachability verifies the embedding endpoint is reachable and
// responding correctly by sending a small test request.
func (c *Client) CheckReachability(ctx context.Context) error {
	if _, err := c.Embed(ctx, "ping"); err != nil {
		return fmt.Errorf("embedding: reachability check failed: %w", err)
	}
	return nil
}
