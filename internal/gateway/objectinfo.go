package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleObjectInfo serves the merged capability document across all running
// workers, cached briefly and falling back to the last good merge when
// every fetch fails.
func (s *Server) handleObjectInfo(w http.ResponseWriter, r *http.Request) {
	data, err := s.mergedObjectInfo(r)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) mergedObjectInfo(r *http.Request) ([]byte, error) {
	s.cacheMu.Lock()
	if s.cachedInfo != nil && time.Since(s.cachedInfoAt) < objectInfoCacheTTL {
		data := s.cachedInfo
		s.cacheMu.Unlock()
		return data, nil
	}
	s.cacheMu.Unlock()

	merged := map[string]json.RawMessage{}
	fetched := false
	for _, h := range s.runningWorkers() {
		raw, err := h.ObjectInfo(r.Context())
		if err != nil {
			s.log.Errorf("worker %d object_info: %v", h.ID, err)
			continue
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			s.log.Errorf("worker %d object_info unparseable: %v", h.ID, err)
			continue
		}
		fetched = true
		for class, schema := range doc {
			if _, ok := merged[class]; !ok {
				merged[class] = schema
			}
		}
	}

	if !fetched {
		// Serve the last known merge rather than nothing.
		s.cacheMu.Lock()
		data := s.cachedInfo
		s.cacheMu.Unlock()
		if data != nil {
			return data, nil
		}
		return nil, fmt.Errorf("no worker capability document available")
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged capability document: %w", err)
	}
	s.cacheMu.Lock()
	s.cachedInfo = data
	s.cachedInfoAt = time.Now()
	s.cacheMu.Unlock()
	return data, nil
}
