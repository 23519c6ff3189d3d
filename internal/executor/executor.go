// Package executor runs one job end-to-end against one worker: submit over
// HTTP, decode the socket event stream, emit progress and artifacts, and
// reconcile the final result against the worker's history.
package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/comfygate/comfygate/internal/protocol"
	"github.com/comfygate/comfygate/internal/worker"
)

// ErrRejected means the worker refused the submitted graph. The job is not
// retried; the worker's error is surfaced verbatim.
var ErrRejected = errors.New("job rejected by worker")

const cancelTimeout = 5 * time.Second

// Executor binds job runs to one worker.
type Executor struct {
	Worker *worker.Handle
	Logf   func(format string, args ...interface{})

	// RequestRestart, when set, is invoked once per run for GPU driver
	// faults that warrant restarting the whole worker fleet.
	RequestRestart func(reason string)
}

// Request is one job submission.
type Request struct {
	Graph   protocol.Graph
	BatchID string

	// PreviewParams are the caller's request parameters, echoed once on
	// the first progress event with save and backend-override fields
	// stripped.
	PreviewParams map[string]interface{}
}

// job is the per-run tracking state.
type job struct {
	batchID       string
	promptID      string
	expectedNodes int

	completedNodes int
	stepFraction   float64
	lastOverall    float64
	currentNode    string
	started        time.Time

	confirmed   bool
	previewSent bool
	expectRaw   bool
	videoJob    bool
	textJob     bool

	queueDeleted bool
	interrupted  bool
}

// Run executes one job. Events stream through onEvent in receipt order.
// Cancellation via ctx is best-effort and clean: the job is interrupted on
// the worker and Run returns nil.
func (e *Executor) Run(ctx context.Context, req Request, onEvent func(Event)) error {
	if ctx.Err() != nil {
		return nil
	}
	w := e.Worker

	sock, err := w.Sockets().Acquire(ctx)
	if err != nil {
		if w.CanIdle {
			e.logf("worker %d unreachable, idling and redirecting job %s", w.ID, req.BatchID)
			w.MarkIdle()
			return worker.ErrRedirect
		}
		return fmt.Errorf("job %s: %w", req.BatchID, err)
	}
	stillOpen := true
	defer func() { w.Sockets().Release(sock, stillOpen) }()

	promptID, err := e.submit(ctx, req.Graph, sock.ConnectionID)
	if err != nil {
		return err
	}
	j := &job{
		batchID:       req.BatchID,
		promptID:      promptID,
		expectedNodes: req.Graph.NodeCount(),
	}

	for {
		_, data, err := sock.Conn.Read(ctx)
		if err != nil {
			// A failed read closes the connection either way; never
			// hand the socket back to the pool.
			stillOpen = false
			if ctx.Err() != nil {
				e.cancel(j)
				return nil
			}
			return fmt.Errorf("job %s: read worker socket: %w", req.BatchID, err)
		}
		if protocol.IsControlFrame(data) {
			done, err := e.handleControl(j, data, req, onEvent)
			if err != nil {
				e.logf("job %s: skipping bad control frame: %v", req.BatchID, err)
				continue
			}
			if done {
				break
			}
			continue
		}
		e.handleBinary(j, data, onEvent)
	}

	return e.collect(ctx, j, onEvent)
}

func (e *Executor) submit(ctx context.Context, graph protocol.Graph, clientID string) (string, error) {
	raw, err := graph.Encode()
	if err != nil {
		return "", fmt.Errorf("encode job graph: %w", err)
	}
	body, err := e.Worker.SubmitPrompt(ctx, protocol.PromptRequest{Prompt: raw, ClientID: clientID})
	if err != nil {
		return "", err
	}
	var resp protocol.PromptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse prompt response: %w", err)
	}
	if len(resp.Error) > 0 {
		return "", fmt.Errorf("%w: %s", ErrRejected, resp.Error)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("worker returned no prompt id")
	}
	return resp.PromptID, nil
}

// handleControl applies one control event. Returns done=true at the
// end-of-graph marker. Until the worker confirms this prompt is running on
// this socket, all other control events are leftovers from prior jobs and
// are ignored.
func (e *Executor) handleControl(j *job, raw []byte, req Request, onEvent func(Event)) (bool, error) {
	ev, err := protocol.ParseControl(raw)
	if err != nil {
		return false, err
	}
	if !j.confirmed && ev.Type != protocol.TypeExecutionStart {
		return false, nil
	}

	switch ev.Type {
	case protocol.TypeExecutionStart:
		var d protocol.StartData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return false, err
		}
		if d.PromptID == j.promptID && !j.confirmed {
			j.confirmed = true
			j.started = time.Now()
		}

	case protocol.TypeExecuting, protocol.TypeExecutionCached:
		var d protocol.ExecutingData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return false, err
		}
		if d.PromptID != "" && d.PromptID != j.promptID {
			return false, nil
		}
		if d.Node == "" {
			if ev.Type == protocol.TypeExecuting {
				return true, nil
			}
			return false, nil
		}
		j.currentNode = d.Node
		j.completedNodes++
		j.stepFraction = 0
		e.emitProgress(j, req, onEvent)

	case protocol.TypeProgress:
		var d protocol.ProgressData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return false, err
		}
		// The sentinel state is per progress report, not per job: a
		// later node's ordinary progress turns raw-output mode back off.
		j.expectRaw = false
		j.videoJob = false
		j.textJob = false
		switch int(d.Max) {
		case protocol.SentinelRawOutput:
			j.expectRaw = true
		case protocol.SentinelRawOutputVideo:
			j.expectRaw = true
			j.videoJob = true
		case protocol.SentinelRawOutputText:
			j.expectRaw = true
			j.textJob = true
		default:
			if d.Max > 0 {
				j.stepFraction = d.Value / d.Max
			}
		}
		e.emitProgress(j, req, onEvent)

	case protocol.TypeExecuted:
		j.completedNodes = j.expectedNodes
		j.stepFraction = 0
		e.emitProgress(j, req, onEvent)

	case protocol.TypeStatus:
		// Informational only.
	}
	return false, nil
}

func (e *Executor) emitProgress(j *job, req Request, onEvent func(Event)) {
	overall := 1.0
	if j.expectedNodes > 0 {
		overall = (float64(j.completedNodes) + j.stepFraction) / float64(j.expectedNodes)
	}
	if overall > 1 {
		overall = 1
	}
	// Sentinel progress values report tiny fractions; never go backwards.
	if overall < j.lastOverall {
		overall = j.lastOverall
	}
	j.lastOverall = overall

	ev := Event{Type: EventProgress, Overall: overall, Current: j.stepFraction}
	if !j.previewSent {
		j.previewSent = true
		ev.Preview = previewMetadata(req.PreviewParams)
	}
	onEvent(ev)
}

// previewMetadata builds the one-time payload attached to the first
// progress event.
func previewMetadata(params map[string]interface{}) map[string]interface{} {
	meta := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		if k == "donotsave" || k == "exactbackendid" {
			continue
		}
		meta[k] = v
	}
	meta["is_preview"] = true
	return meta
}

func (e *Executor) handleBinary(j *job, raw []byte, onEvent func(Event)) {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		e.logf("job %s: skipping malformed binary frame: %v", j.batchID, err)
		return
	}

	if frame.EventType == protocol.EventTextMetadata {
		key, value, err := protocol.ParseTextMetadata(frame.Payload)
		if err != nil {
			e.logf("job %s: skipping bad text metadata: %v", j.batchID, err)
			return
		}
		if fn, ok := metadataHandler(key); ok {
			fn(value, onEvent)
			return
		}
		onEvent(Event{Type: EventMetadata, Key: "custom_" + key, Value: value})
		return
	}

	if j.expectRaw {
		kind := protocol.KindForFormat(frame.Format)
		if j.videoJob {
			kind = protocol.MediaVideo
		}
		onEvent(Event{Type: EventOutput, Media: &Media{
			Kind:         kind,
			Format:       frame.Format,
			BatchIndex:   frame.BatchIndex,
			Data:         frame.Payload,
			Intermediate: protocol.IsIntermediateNode(j.currentNode),
		}})
		return
	}

	uri := "data:" + protocol.MimeType(frame.Format) + ";base64," +
		base64.StdEncoding.EncodeToString(frame.Payload)
	onEvent(Event{Type: EventPreview, PreviewDataURI: uri, Overall: j.lastOverall, Current: j.stepFraction})
}

// cancel tears the job down on the worker. At most one queue delete and, if
// the job was confirmed executing on this socket, at most one interrupt.
func (e *Executor) cancel(j *job) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancelCtx()

	if !j.queueDeleted {
		j.queueDeleted = true
		if err := e.Worker.QueueDelete(ctx, j.promptID); err != nil {
			e.logf("job %s: queue delete: %v", j.batchID, err)
		}
	}
	if j.confirmed && !j.interrupted {
		j.interrupted = true
		if err := e.Worker.Interrupt(ctx); err != nil {
			e.logf("job %s: interrupt: %v", j.batchID, err)
		}
	}
}

func (e *Executor) logf(format string, args ...interface{}) {
	if e.Logf != nil {
		e.Logf(format, args...)
	}
}
