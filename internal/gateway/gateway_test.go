package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/comfygate/comfygate/internal/config"
	"github.com/comfygate/comfygate/internal/logging"
	"github.com/comfygate/comfygate/internal/protocol"
	"github.com/comfygate/comfygate/internal/worker"
)

const stubObjectInfo = `{
	"CheckpointLoaderSimple": {"input": {"required": {"ckpt_name": [["base.safetensors"], {}]}}},
	"SaveImage": {"input": {"required": {}}}
}`

// controlMsg marshals with the type field first so frames classify as
// control frames on the wire.
type controlMsg struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// stubWorker speaks the worker HTTP+WS surface with a scriptable job
// socket.
type stubWorker struct {
	srv        *httptest.Server
	objectInfo atomic.Value // string

	script func(ctx context.Context, conn *websocket.Conn)

	promptID    string
	history     atomic.Value // JSON string
	viewData    map[string][]byte
	submissions atomic.Int32
	interrupts  atomic.Int32
	frees       atomic.Int32
	lastPrompt  atomic.Value // JSON body of the last submission

	started chan struct{}
}

func newStubWorker(t *testing.T) *stubWorker {
	t.Helper()
	s := &stubWorker{
		promptID: "prompt-1",
		viewData: map[string][]byte{},
		started:  make(chan struct{}, 8),
	}
	s.objectInfo.Store(stubObjectInfo)
	s.history.Store("{}")

	mux := http.NewServeMux()
	mux.HandleFunc("/object_info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(s.objectInfo.Load().(string)))
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.lastPrompt.Store(string(body))
		s.submissions.Add(1)
		w.Write([]byte(`{"prompt_id": "` + s.promptID + `"}`))
		s.started <- struct{}{}
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/interrupt", func(w http.ResponseWriter, r *http.Request) {
		s.interrupts.Add(1)
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/free", func(w http.ResponseWriter, r *http.Request) {
		s.frees.Add(1)
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(s.history.Load().(string)))
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		data, ok := s.viewData[r.URL.Query().Get("filename")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if s.script != nil {
			select {
			case <-s.started:
			case <-ctx.Done():
				return
			}
			s.script(ctx, conn)
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

// newGateway builds a started server over the given stub workers and an
// httptest front for its routes. Workers are initialized synchronously.
func newGateway(t *testing.T, stubs ...*stubWorker) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{Listen: ":0"}
	for i, s := range stubs {
		cfg.Workers = append(cfg.Workers, config.WorkerConfig{
			ID:         i,
			APIAddress: s.srv.URL,
			WebAddress: s.srv.URL,
		})
	}
	log, err := logging.New(filepath.Join(t.TempDir(), "gateway.log"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	srv := New(cfg, log, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range srv.Workers() {
		require.NoError(t, h.Init(ctx))
	}
	front := httptest.NewServer(srv.routes())
	t.Cleanup(front.Close)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		srv.Shutdown(sctx)
	})
	return srv, front
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthzReportsWorkerStatus(t *testing.T) {
	_, front := newGateway(t, newStubWorker(t))

	var out struct {
		Status  string `json:"status"`
		Workers []struct {
			ID     int    `json:"id"`
			Status string `json:"status"`
		} `json:"workers"`
	}
	getJSON(t, front.URL+"/healthz", &out)
	assert.Equal(t, "ok", out.Status)
	require.Len(t, out.Workers, 1)
	assert.Equal(t, string(worker.StatusRunning), out.Workers[0].Status)
}

func TestObjectInfoMergesAndCaches(t *testing.T) {
	w1 := newStubWorker(t)
	w2 := newStubWorker(t)
	w2.objectInfo.Store(`{"KSampler": {"input": {}}, "SaveImage": {"marker": true}}`)
	_, front := newGateway(t, w1, w2)

	var merged map[string]json.RawMessage
	getJSON(t, front.URL+"/object_info", &merged)
	assert.Contains(t, merged, "CheckpointLoaderSimple")
	assert.Contains(t, merged, "KSampler")
	// First worker wins on shared node classes.
	assert.NotContains(t, string(merged["SaveImage"]), "marker")

	// A second request inside the cache window never refetches.
	w1.objectInfo.Store(`{"SomethingElse": {}}`)
	var again map[string]json.RawMessage
	getJSON(t, front.URL+"/object_info", &again)
	assert.Contains(t, again, "CheckpointLoaderSimple")
	assert.NotContains(t, again, "SomethingElse")
}

func TestModelsReportsMergedRegistry(t *testing.T) {
	w1 := newStubWorker(t)
	w2 := newStubWorker(t)
	w2.objectInfo.Store(`{
		"CheckpointLoaderSimple": {"input": {"required": {"ckpt_name": [["extra.safetensors"], {}]}}}
	}`)
	_, front := newGateway(t, w1, w2)

	var out struct {
		Models   map[string][]string `json:"models"`
		Features []string            `json:"features"`
	}
	getJSON(t, front.URL+"/models", &out)
	assert.ElementsMatch(t, []string{"base.safetensors", "extra.safetensors"}, out.Models["Stable-Diffusion"])
	assert.Contains(t, out.Features, "basic-generation")
}

func TestObjectInfoNoWorkersUnavailable(t *testing.T) {
	_, front := newGateway(t)

	resp, err := http.Get(front.URL + "/object_info")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPromptWithoutSessionRejected(t *testing.T) {
	_, front := newGateway(t, newStubWorker(t))

	body := `{"prompt": {"9": {"class_type": "SaveImage", "inputs": {}}}, "client_id": "nope"}`
	resp, err := http.Post(front.URL+"/prompt", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPromptRoutesThroughSession(t *testing.T) {
	stub := newStubWorker(t)
	srv, front := newGateway(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	caller, _, err := websocket.Dial(ctx, front.URL+"/ws?clientId=tok-1", nil)
	require.NoError(t, err)
	defer caller.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool {
		_, ok := srv.mux.Session("tok-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	body := `{"prompt": {"9": {"class_type": "SaveImage", "inputs": {}}}, "client_id": "tok-1"}`
	resp, err := http.Post(front.URL+"/prompt", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pr protocol.PromptResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pr))
	assert.Equal(t, "prompt-1", pr.PromptID)
	assert.Equal(t, int32(1), stub.submissions.Load())

	// The forwarded submission uses the worker-side socket identity, not
	// the caller token.
	var forwarded protocol.PromptRequest
	require.NoError(t, json.Unmarshal([]byte(stub.lastPrompt.Load().(string)), &forwarded))
	assert.NotEmpty(t, forwarded.ClientID)
	assert.NotEqual(t, "tok-1", forwarded.ClientID)
}

func TestInterruptFansOutToSessionWorkers(t *testing.T) {
	stub := newStubWorker(t)
	srv, front := newGateway(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	caller, _, err := websocket.Dial(ctx, front.URL+"/ws?clientId=tok-2", nil)
	require.NoError(t, err)
	defer caller.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool {
		_, ok := srv.mux.Session("tok-2")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(front.URL+"/interrupt?clientId=tok-2", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), stub.interrupts.Load())
}

func TestViewFirstWorkerWithFileWins(t *testing.T) {
	w1 := newStubWorker(t)
	w2 := newStubWorker(t)
	w2.viewData["out.png"] = []byte{0x89, 'P', 'N', 'G', 0, 0, 0, 0}
	_, front := newGateway(t, w1, w2)

	resp, err := http.Get(front.URL + "/view?filename=out.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, w2.viewData["out.png"], data)
}

func TestViewMissingEverywhere(t *testing.T) {
	_, front := newGateway(t, newStubWorker(t))

	resp, err := http.Get(front.URL + "/view?filename=absent.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFreeFansOutToRunningWorkers(t *testing.T) {
	w1 := newStubWorker(t)
	w2 := newStubWorker(t)
	_, front := newGateway(t, w1, w2)

	body := `{"unload_models": true, "free_memory": true}`
	resp, err := http.Post(front.URL+"/free", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), w1.frees.Load())
	assert.Equal(t, int32(1), w2.frees.Load())
}

func TestGenerateRunsJobToCompletion(t *testing.T) {
	stub := newStubWorker(t)
	stub.viewData["final.png"] = []byte("png-bytes")
	stub.history.Store(`{"prompt-1": {"status": {"messages": []}, "outputs": {
		"9": {"images": [{"filename": "final.png", "type": "output", "format": "image/png"}]}
	}}}`)
	stub.script = func(ctx context.Context, conn *websocket.Conn) {
		send := func(msg controlMsg) {
			data, _ := json.Marshal(msg)
			conn.Write(ctx, websocket.MessageText, data)
		}
		send(controlMsg{"execution_start", map[string]interface{}{"prompt_id": "prompt-1"}})
		send(controlMsg{"executing", map[string]interface{}{"prompt_id": "prompt-1", "node": "9"}})
		send(controlMsg{"executing", map[string]interface{}{"prompt_id": "prompt-1", "node": nil}})
	}
	_, front := newGateway(t, stub)

	body := `{"prompt": {"9": {"class_type": "SaveImage", "inputs": {}}}}`
	resp, err := http.Post(front.URL+"/generate", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Outputs []struct {
			Kind       string `json:"kind"`
			Format     string `json:"format"`
			DataBase64 []byte `json:"data"`
		} `json:"outputs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Outputs, 1)
	assert.Equal(t, "image", out.Outputs[0].Kind)
	assert.Equal(t, []byte("png-bytes"), out.Outputs[0].DataBase64)
}

func TestGenerateNoWorkersUnavailable(t *testing.T) {
	_, front := newGateway(t)

	body := `{"prompt": {"9": {"class_type": "SaveImage", "inputs": {}}}}`
	resp, err := http.Post(front.URL+"/generate", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
