// Package client is a small HTTP client for the gateway's caller-facing
// surface, used by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/comfygate/comfygate/internal/protocol"
)

// Client talks to a running gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a gateway client. Generation requests block for the full job,
// so the client carries no overall timeout; pass a context to bound calls.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:7821"
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("gateway error %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("gateway error %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// WorkerHealth is one worker's entry in the gateway health report.
type WorkerHealth struct {
	ID         int    `json:"id"`
	Status     string `json:"status"`
	LoadStatus string `json:"load_status,omitempty"`
}

// Health reports the gateway's worker statuses.
func (c *Client) Health(ctx context.Context) ([]WorkerHealth, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Workers []WorkerHealth `json:"workers"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse health response: %w", err)
	}
	return out.Workers, nil
}

// ObjectInfo fetches the merged capability document.
func (c *Client) ObjectInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/object_info", nil)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse capability document: %w", err)
	}
	return doc, nil
}

// Output is one artifact from a blocking generation.
type Output struct {
	Kind       string `json:"kind"`
	Format     string `json:"format"`
	BatchIndex int    `json:"batch_index"`
	Data       []byte `json:"data"`
}

// GenerateResult is the reply to a blocking generation.
type GenerateResult struct {
	Outputs  []Output          `json:"outputs"`
	Metadata map[string]string `json:"metadata"`
	GenTime  float64           `json:"gen_time_seconds"`
}

// Generate submits a job graph and blocks until its artifacts are ready.
func (c *Client) Generate(ctx context.Context, graph json.RawMessage) (*GenerateResult, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/generate", protocol.PromptRequest{Prompt: graph})
	if err != nil {
		return nil, err
	}
	var out GenerateResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse generate response: %w", err)
	}
	return &out, nil
}

// Interrupt stops the current job in the given session.
func (c *Client) Interrupt(ctx context.Context, token string) error {
	path := "/interrupt?clientId=" + url.QueryEscape(token)
	_, err := c.doRequest(ctx, http.MethodPost, path, nil)
	return err
}

// Free asks all workers to release memory.
func (c *Client) Free(ctx context.Context, unloadModels, freeMemory bool) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/free", protocol.FreeRequest{
		UnloadModels: unloadModels,
		FreeMemory:   freeMemory,
	})
	return err
}

// View downloads one rendered file.
func (c *Client) View(ctx context.Context, filename, fileType string) ([]byte, error) {
	q := url.Values{"filename": {filename}}
	if fileType != "" {
		q.Set("type", fileType)
	}
	return c.doRequest(ctx, http.MethodGet, "/view?"+q.Encode(), nil)
}

// WaitReady polls the gateway until at least one worker is running or the
// context expires.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		workers, err := c.Health(ctx)
		if err == nil {
			for _, w := range workers {
				if w.Status == "running" {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
