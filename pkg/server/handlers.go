package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atp-project/atp/pkg/auth"
	"github.com/atp-project/atp/pkg/executor"
	"github.com/atp-project/atp/pkg/provenance"
	"github.com/atp-project/atp/pkg/tools"
)

type executeRequest struct {
	Code string `json:"code"`
	// Config overrides the server's execution limits for this request only.
	Config *executor.Overrides `json:"config,omitempty"`
	// Provenance hints re-attach labels to values inlined from an earlier
	// execution's result.
	Provenance []provenance.Hint `json:"provenance,omitempty"`
}

type resumeRequest struct {
	Result json.RawMessage `json:"result"`
	// Results is the batch form. Entry ids are the positions the batch pause
	// handed out; the program observes results in id order.
	Results []batchResultEntry `json:"results,omitempty"`
}

type batchResultEntry struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
}

// resumePayload flattens the batch form into the ordered result array the
// execution core replays.
func (r *resumeRequest) resumePayload() (json.RawMessage, error) {
	if len(r.Results) == 0 {
		return r.Result, nil
	}
	ordered := make([]json.RawMessage, len(r.Results))
	for i, entry := range r.Results {
		idx := entry.ID
		if idx < 0 || idx >= len(ordered) || ordered[idx] != nil {
			idx = i
		}
		ordered[idx] = entry.Result
	}
	return json.Marshal(ordered)
}

type searchRequest struct {
	Query      string   `json:"query"`
	Groups     []string `json:"apiGroups,omitempty"`
	MaxResults int      `json:"maxResults,omitempty"`
}

type exploreRequest struct {
	Path string `json:"path"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInit provisions a client: a fresh client id, its session, and the
// first token. The only unauthenticated API call.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	// An empty body means no scopes and no client tools.
	var req auth.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := s.auth.InitClient(r.Context(), req)
	if err != nil {
		s.logger.Error("client init failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to initialize client")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       "atp",
		"version":    s.version,
		"provenance": s.cfg.Provenance.Mode,
		"groups":     s.catalog.GroupPaths(),
		"session": map[string]any{
			"clientId": session.ClientID,
			"scopes":   session.Scopes,
			"tools":    len(session.Tools),
		},
	})
}

// handleDefinitions renders the typed surface of every tool the session may
// call, including its own client-registered tools.
func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFrom(r.Context())

	view, err := s.catalog.WithSession(session.SessionTools())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	surface := tools.RenderSurface(view, &tools.ScopeFilter{Scopes: session.Scopes})
	resp := map[string]any{
		"typescriptLike": surface,
		"apiGroups":      view.GroupPaths(),
	}
	if session.Guidance != "" {
		resp["guidance"] = session.Guidance
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFrom(r.Context())

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	results := s.catalog.Search(tools.SearchQuery{
		Text:       req.Query,
		Groups:     req.Groups,
		MaxResults: req.MaxResults,
		Filter:     &tools.ScopeFilter{Scopes: session.Scopes},
	})
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleExplore(w http.ResponseWriter, r *http.Request) {
	// An empty body explores the root.
	var req exploreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	path := req.Path

	listing, err := s.catalog.Explore(path)
	if err != nil {
		if errors.Is(err, tools.ErrNotFound) {
			writeError(w, http.StatusNotFound, "path not found: "+path)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFrom(r.Context())

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	res := s.core.ExecuteWith(r.Context(), session, req.Code, req.Provenance, req.Config)
	writeJSON(w, http.StatusOK, res)
}

// handleExecuteStream is handleExecute over NDJSON: a start event as soon as
// the execution is accepted, an error event when the run ends in one, then
// the full result.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFrom(r.Context())

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	emit := func(event string, payload any) {
		_ = enc.Encode(map[string]any{"event": event, "data": payload})
		if flusher != nil {
			flusher.Flush()
		}
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		emit("error", map[string]string{"message": "invalid request body: " + err.Error()})
		return
	}
	if req.Code == "" {
		emit("error", map[string]string{"message": "code is required"})
		return
	}

	emit("start", map[string]string{"status": "running"})
	res := s.core.ExecuteWith(r.Context(), session, req.Code, req.Provenance, req.Config)
	if res.Error != nil {
		emit("error", res.Error)
	}
	emit("result", res)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFrom(r.Context())
	executionID := chi.URLParam(r, "executionId")

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	payload, err := req.resumePayload()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch results: "+err.Error())
		return
	}

	res, err := s.core.Resume(r.Context(), session, executionID, payload)
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrNotFound):
			writeError(w, http.StatusNotFound, "execution not found or expired")
		case errors.Is(err, executor.ErrNotOwner):
			writeError(w, http.StatusForbidden, "execution belongs to another client")
		case errors.Is(err, executor.ErrConflict):
			writeError(w, http.StatusConflict, "execution is already being resumed")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}
