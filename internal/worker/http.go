package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/comfygate/comfygate/internal/protocol"
)

// HTTP surface of one worker, all relative to APIAddress.

// SubmitPrompt posts a job submission and returns the raw response body.
// Workers report graph errors as a non-200 status with a JSON body, so the
// body is returned whenever one could be read.
func (h *Handle) SubmitPrompt(ctx context.Context, req protocol.PromptRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("worker %d: encode prompt: %w", h.ID, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.APIAddress+"/prompt", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("worker %d: build request: %w", h.ID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("worker %d: submit prompt: %w", h.ID, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("worker %d: read prompt response: %w", h.ID, err)
	}
	return body, nil
}

// ObjectInfo fetches the raw capability document.
func (h *Handle) ObjectInfo(ctx context.Context) ([]byte, error) {
	return h.get(ctx, "/object_info")
}

// History fetches the worker's record for one prompt. Returns nil with no
// error when the worker has no entry yet.
func (h *Handle) History(ctx context.Context, promptID string) (*protocol.HistoryEntry, error) {
	raw, err := h.get(ctx, "/history/"+url.PathEscape(promptID))
	if err != nil {
		return nil, err
	}
	var entries map[string]protocol.HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("worker %d: parse history: %w", h.ID, err)
	}
	entry, ok := entries[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// View fetches one rendered output file. fileType is "output" or "temp".
func (h *Handle) View(ctx context.Context, filename, fileType string) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("type", fileType)
	return h.get(ctx, "/view?"+q.Encode())
}

// QueueDelete cancels a queued prompt.
func (h *Handle) QueueDelete(ctx context.Context, promptID string) error {
	_, err := h.postJSON(ctx, "/queue", protocol.QueueDeleteRequest{Delete: []string{promptID}})
	return err
}

// Interrupt aborts whatever the worker is currently executing.
func (h *Handle) Interrupt(ctx context.Context) error {
	_, err := h.postJSON(ctx, "/interrupt", nil)
	return err
}

// Free asks the worker to release memory.
func (h *Handle) Free(ctx context.Context, unloadModels, freeMemory bool) error {
	_, err := h.postJSON(ctx, "/free", protocol.FreeRequest{UnloadModels: unloadModels, FreeMemory: freeMemory})
	return err
}

func (h *Handle) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.APIAddress+path, nil)
	if err != nil {
		return nil, fmt.Errorf("worker %d: build request: %w", h.ID, err)
	}
	return h.do(req)
}

func (h *Handle) postJSON(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("worker %d: encode request: %w", h.ID, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.APIAddress+path, reader)
	if err != nil {
		return nil, fmt.Errorf("worker %d: build request: %w", h.ID, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return h.do(req)
}

func (h *Handle) do(req *http.Request) ([]byte, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %s %s: %w", h.ID, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("worker %d: read response: %w", h.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker %d: %s %s: status %d", h.ID, req.Method, req.URL.Path, resp.StatusCode)
	}
	return data, nil
}
