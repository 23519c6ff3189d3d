package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/comfygate/comfygate/internal/protocol"
)

// ExecutionError is a worker-side node exception surfaced from the prompt
// history, with a best-effort diagnostic hint attached.
type ExecutionError struct {
	PromptID string
	Message  string
	Hint     string
}

func (e *ExecutionError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("worker execution error: %s (%s)", e.Message, e.Hint)
	}
	return fmt.Sprintf("worker execution error: %s", e.Message)
}

// collect reconciles a finished job against the worker's history: raise an
// execution error if one is recorded, otherwise fetch and emit every
// declared output artifact.
func (e *Executor) collect(ctx context.Context, j *job, onEvent func(Event)) error {
	entry, err := e.Worker.History(ctx, j.promptID)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.batchID, err)
	}
	if entry == nil {
		e.logf("job %s: worker has no history entry for prompt %s", j.batchID, j.promptID)
		return nil
	}

	for _, raw := range entry.Status.Messages {
		typ, payload := entry.Status.HistoryMessage(raw)
		if typ != "execution_error" {
			continue
		}
		msg := ""
		if rawMsg, ok := payload["exception_message"]; ok {
			_ = json.Unmarshal(rawMsg, &msg)
		}
		if isGPUFault(msg) && e.RequestRestart != nil {
			e.RequestRestart(msg)
		}
		return &ExecutionError{PromptID: j.promptID, Message: msg, Hint: diagnose(msg)}
	}

	for nodeID, out := range entry.Outputs {
		intermediate := protocol.IsIntermediateNode(nodeID)
		if err := e.fetchFiles(ctx, j, out.Images, protocol.MediaImage, intermediate, onEvent); err != nil {
			return err
		}
		if err := e.fetchFiles(ctx, j, out.Gifs, protocol.MediaAnimation, intermediate, onEvent); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) fetchFiles(ctx context.Context, j *job, files []protocol.OutputFile, fallback protocol.MediaKind, intermediate bool, onEvent func(Event)) error {
	for _, f := range files {
		fileType := f.Type
		if fileType == "" {
			fileType = "output"
		}
		data, err := e.Worker.View(ctx, f.Filename, fileType)
		if err != nil {
			return fmt.Errorf("job %s: fetch output %s: %w", j.batchID, f.Filename, err)
		}
		genTime := 0.0
		if !j.started.IsZero() {
			genTime = time.Since(j.started).Seconds()
		}
		onEvent(Event{Type: EventOutput, Media: &Media{
			Kind:           protocol.KindForOutputFile(f.Filename, f.Format, fallback),
			Format:         formatOf(f.Filename),
			Data:           data,
			Intermediate:   intermediate,
			GenTimeSeconds: genTime,
		}})
	}
	return nil
}

func formatOf(filename string) string {
	if i := strings.LastIndex(filename, "."); i >= 0 {
		return filename[i+1:]
	}
	return ""
}

// Paths longer than this trip OS path length limits on some platforms.
const maxSanePathLength = 250

// diagnose pattern-matches known failure signatures into a human-readable
// hint.
func diagnose(msg string) string {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "no such file or directory") {
		for _, tok := range strings.Fields(msg) {
			tok = strings.Trim(tok, `'",:`)
			if len(tok) > maxSanePathLength && strings.ContainsAny(tok, `/\`) {
				return "a referenced file path exceeds the OS path length limit; shorten your model or output folder paths"
			}
		}
	}
	if isGPUFault(msg) {
		return "the GPU driver reported a fault; the worker process likely needs a restart"
	}
	return ""
}

func isGPUFault(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "cuda") &&
		(strings.Contains(lower, "operation not permitted") || strings.Contains(lower, "cuda_launch_blocking"))
}
