package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"q-bridge/internal/gateway"
	"q-bridge/internal/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.opts.IndexFile == "" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, s.opts.IndexFile)
}

// handleQueryGet always streams.
func (s *Server) handleQueryGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.streamQuery(w, r, r.URL.Query().Get("query"))
}

func (s *Server) handleQueryPost(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req protocol.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.BufferedResponse{Response: "Invalid request body"})
		return
	}

	if req.IsStreaming() {
		s.streamQuery(w, r, req.Query)
		return
	}

	res, err := s.gw.Collect(r.Context(), req.Query)
	if err != nil {
		s.writeQueryError(w, err, res.Text)
		return
	}
	writeJSON(w, http.StatusOK, protocol.BufferedResponse{Response: strings.TrimSpace(res.Text)})
}

// writeQueryError answers a query that failed before or instead of
// producing a response.
func (s *Server) writeQueryError(w http.ResponseWriter, err error, partial string) {
	status, _ := classify(err)
	body := protocol.BufferedResponse{}
	switch {
	case errors.Is(err, gateway.ErrEmptyQuery):
		body.Response = "Empty query received"
	case errors.Is(err, gateway.ErrTimeout):
		body.Response = "Request timed out"
		if p := strings.TrimSpace(partial); p != "" {
			body.Partial = &p
		}
	case status == http.StatusServiceUnavailable:
		body.Response = "Server busy: " + err.Error()
	default:
		s.log.Errorw("query failed", "error", err)
		body.Response = "Server error: " + err.Error()
	}
	writeJSON(w, status, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.gw.Restart(r.Context()); err != nil {
		status, _ := classify(err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	s.BroadcastStatus()
	writeJSON(w, http.StatusOK, s.status.Status())
}
