package protocol

import "encoding/json"

// Wire shapes for the worker HTTP surface.

// PromptRequest is the body of POST /prompt.
type PromptRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

// PromptResponse is the worker's reply to a job submission.
type PromptResponse struct {
	PromptID string          `json:"prompt_id"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// QueueDeleteRequest is the body of POST /queue to cancel queued jobs.
type QueueDeleteRequest struct {
	Delete []string `json:"delete"`
}

// FreeRequest is the body of POST /free to release worker memory.
type FreeRequest struct {
	UnloadModels bool `json:"unload_models"`
	FreeMemory   bool `json:"free_memory"`
}

// HistoryEntry is one prompt's record from GET /history/{promptId}.
type HistoryEntry struct {
	Status  HistoryStatus            `json:"status"`
	Outputs map[string]HistoryOutput `json:"outputs"`
}

// HistoryStatus carries the worker's status messages, each a
// [type, payload] pair.
type HistoryStatus struct {
	Messages []json.RawMessage `json:"messages"`
}

// HistoryMessage decodes one status message pair.
func (s HistoryStatus) HistoryMessage(raw json.RawMessage) (string, map[string]json.RawMessage) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
		return "", nil
	}
	var typ string
	if err := json.Unmarshal(pair[0], &typ); err != nil {
		return "", nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(pair[1], &payload); err != nil {
		return typ, nil
	}
	return typ, payload
}

// HistoryOutput is one node's declared outputs.
type HistoryOutput struct {
	Images []OutputFile `json:"images"`
	Gifs   []OutputFile `json:"gifs"`
}

// OutputFile references one rendered file on the worker.
type OutputFile struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Format   string `json:"format,omitempty"`
}
