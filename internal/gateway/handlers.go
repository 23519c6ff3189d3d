package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/comfygate/comfygate/internal/capability"
	"github.com/comfygate/comfygate/internal/executor"
	"github.com/comfygate/comfygate/internal/metrics"
	"github.com/comfygate/comfygate/internal/protocol"
	"github.com/comfygate/comfygate/internal/session"
	"github.com/comfygate/comfygate/internal/worker"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/prompt", s.handlePrompt)
	mux.HandleFunc("/generate", s.handleGenerate)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/interrupt", s.handleInterrupt)
	mux.HandleFunc("/view", s.handleView)
	mux.HandleFunc("/object_info", s.handleObjectInfo)
	mux.HandleFunc("/models", s.handleModels)
	mux.HandleFunc("/free", s.handleFree)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func backendErrorStatus(err error) int {
	if errors.Is(err, session.ErrNoBackend) || errors.Is(err, session.ErrRetryShortly) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, session.ErrNoSession) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// handleWS upgrades a caller connection and runs it as a session until
// either side closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("clientId")
	if token == "" {
		token = uuid.NewString()
	}
	opts := session.Options{
		MultiWorker: r.URL.Query().Get("multi") == "true",
		Reserve:     r.URL.Query().Get("reserve") == "true",
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.log.Errorf("caller websocket accept: %v", err)
		return
	}

	sess, err := s.mux.OpenSession(r.Context(), token, conn, opts)
	if err != nil {
		s.log.Errorf("session %s: open failed: %v", token, err)
		_ = conn.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}
	s.log.Debugf("session %s opened", token)
	<-sess.Done()
}

// handlePrompt routes a caller job submission to the best worker in its
// session and forwards the worker's reply.
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req protocol.PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad prompt body: "+err.Error())
		return
	}
	graph, err := protocol.ParseGraph(req.Prompt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	routed, err := s.mux.RouteJob(req.ClientID, graph)
	if err != nil {
		writeError(w, backendErrorStatus(err), err.Error())
		return
	}

	raw, err := routed.Graph.Encode()
	if err != nil {
		routed.Conn.SubmitFailed()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body, err := routed.Conn.Handle.SubmitPrompt(r.Context(), protocol.PromptRequest{
		Prompt:   raw,
		ClientID: routed.ClientID,
	})
	if err != nil {
		routed.Conn.SubmitFailed()
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if s.collector != nil {
		s.collector.RecordSubmitted()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// generateResponse is the blocking single-job reply.
type generateResponse struct {
	Outputs  []generateOutput  `json:"outputs"`
	Metadata map[string]string `json:"metadata,omitempty"`
	GenTime  float64           `json:"gen_time_seconds"`
}

type generateOutput struct {
	Kind       string `json:"kind"`
	Format     string `json:"format"`
	BatchIndex int    `json:"batch_index"`
	DataBase64 []byte `json:"data"`
}

// handleGenerate runs one job end to end on the least-loaded worker and
// returns the final artifacts. Workers that redirect are skipped.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req protocol.PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad prompt body: "+err.Error())
		return
	}
	graph, err := protocol.ParseGraph(req.Prompt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	candidates := s.runningWorkers()
	if len(candidates) == 0 {
		err := session.ErrNoBackend
		if s.triggerAutoscale() {
			err = session.ErrRetryShortly
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	batchID := req.ClientID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	started := time.Now()
	if s.collector != nil {
		s.collector.RecordSubmitted()
	}

	var resp generateResponse
	resp.Metadata = map[string]string{}
	onEvent := func(ev executor.Event) {
		switch ev.Type {
		case executor.EventOutput:
			if ev.Media.Intermediate {
				return
			}
			resp.Outputs = append(resp.Outputs, generateOutput{
				Kind:       string(ev.Media.Kind),
				Format:     ev.Media.Format,
				BatchIndex: ev.Media.BatchIndex,
				DataBase64: ev.Media.Data,
			})
			resp.GenTime = ev.Media.GenTimeSeconds
		case executor.EventMetadata:
			resp.Metadata[ev.Key] = ev.Value
		}
	}

	var runErr error
	for _, h := range candidates {
		graph.RewriteModelPaths(h.PathSeparator())
		exec := &executor.Executor{Worker: h, Logf: s.log.Logf(), RequestRestart: s.requestRestart}
		runErr = exec.Run(r.Context(), executor.Request{Graph: graph, BatchID: batchID}, onEvent)
		if !errors.Is(runErr, worker.ErrRedirect) {
			break
		}
		s.log.Infof("job %s redirected off worker %d", batchID, h.ID)
	}
	if runErr != nil {
		if s.collector != nil {
			s.collector.RecordFailed()
		}
		status := http.StatusBadGateway
		if errors.Is(runErr, executor.ErrRejected) {
			status = http.StatusBadRequest
		}
		writeError(w, status, runErr.Error())
		return
	}
	if r.Context().Err() != nil {
		if s.collector != nil {
			s.collector.RecordCancelled()
		}
		return
	}
	if s.collector != nil {
		s.collector.RecordCompleted(time.Since(started).Seconds())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleQueue fans a job cancellation out to every worker in the caller's
// session.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	token := r.URL.Query().Get("clientId")
	var req protocol.QueueDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad queue body: "+err.Error())
		return
	}
	for _, promptID := range req.Delete {
		if err := s.mux.QueueDelete(r.Context(), token, promptID); err != nil {
			writeError(w, backendErrorStatus(err), err.Error())
			return
		}
		if s.collector != nil {
			s.collector.RecordCancelled()
		}
	}
	w.Write([]byte("{}"))
}

// handleInterrupt fans out to every worker in the caller's session.
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	token := r.URL.Query().Get("clientId")
	if err := s.mux.Interrupt(r.Context(), token); err != nil {
		writeError(w, backendErrorStatus(err), err.Error())
		return
	}
	w.Write([]byte("{}"))
}

// handleView streams one rendered file from the first worker that has it.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	fileType := r.URL.Query().Get("type")
	if filename == "" {
		writeError(w, http.StatusBadRequest, "filename required")
		return
	}
	if fileType == "" {
		fileType = "output"
	}

	handles := s.runningWorkers()
	if token := r.URL.Query().Get("clientId"); token != "" {
		if sess, ok := s.mux.Session(token); ok {
			handles = nil
			for _, wc := range sess.Connections() {
				handles = append(handles, wc.Handle)
			}
		}
	}

	for _, h := range handles {
		data, err := h.View(r.Context(), filename, fileType)
		if err != nil {
			continue
		}
		w.Header().Set("Content-Type", http.DetectContentType(data))
		w.Write(data)
		return
	}
	writeError(w, http.StatusNotFound, "file not found on any worker")
}

// handleModels reports the merged model lists and feature set across all
// workers seen this run.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	out := struct {
		Models   map[string][]string `json:"models"`
		Features []string            `json:"features"`
	}{Models: map[string][]string{}, Features: s.registry.Features()}
	for _, category := range capability.Categories() {
		if names := s.registry.Models(category); len(names) > 0 {
			out.Models[category] = names
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleFree asks every running worker to release memory.
func (s *Server) handleFree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req protocol.FreeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad free body: "+err.Error())
		return
	}
	for _, h := range s.runningWorkers() {
		if err := h.Free(r.Context(), req.UnloadModels, req.FreeMemory); err != nil {
			s.log.Errorf("worker %d free: %v", h.ID, err)
		}
	}
	w.Write([]byte("{}"))
}

type healthWorker struct {
	ID         int    `json:"id"`
	Status     string `json:"status"`
	LoadStatus string `json:"load_status,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	out := struct {
		Status  string         `json:"status"`
		Workers []healthWorker `json:"workers"`
	}{Status: "ok"}
	for _, h := range s.workers {
		out.Workers = append(out.Workers, healthWorker{
			ID:         h.ID,
			Status:     string(h.Status()),
			LoadStatus: h.LoadStatus(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
