package flow

import (
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/aarondl/strmangle"
	"github.com/friendsofgo/errors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
	"github.com/oapi-codegen/runtime"
	"github.com/spf13/cast"

	"flowrunner/pkg/engine"
	"flowrunner/pkg/events"
	"flowrunner/pkg/history"
)

// maxBodyBytes caps trigger request bodies.
const maxBodyBytes = 1 << 20

// httpError carries the status and message a handler should answer with.
type httpError struct {
	status  int
	message string
}

func (e *httpError) write(w http.ResponseWriter) {
	http.Error(w, e.message, e.status)
}

// loadFlow fetches a flow with its nodes and edges and converts it for the engine.
func (s *Service) loadFlow(r *http.Request, idStr string) (*Flow, *engine.Flow, *httpError) {
	ctx := r.Context()

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, nil, &httpError{http.StatusBadRequest, "invalid flow id"}
	}

	row, err := s.repo.GetFlow(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, &httpError{http.StatusNotFound, "flow not found"}
		}
		slog.Error("failed to get flow", "flow_id", id, "error", err)
		return nil, nil, &httpError{http.StatusInternalServerError, "internal server error"}
	}

	nodes, err := s.repo.GetNodesByFlowID(ctx, id)
	if err != nil {
		slog.Error("failed to get nodes", "flow_id", id, "error", err)
		return nil, nil, &httpError{http.StatusInternalServerError, "internal server error"}
	}

	edges, err := s.repo.GetEdgesByFlowID(ctx, id)
	if err != nil {
		slog.Error("failed to get edges", "flow_id", id, "error", err)
		return nil, nil, &httpError{http.StatusInternalServerError, "internal server error"}
	}

	flow, err := BuildFlow(row, nodes, edges)
	if err != nil {
		slog.Error("failed to build flow", "flow_id", id, "error", err)
		return nil, nil, &httpError{http.StatusUnprocessableEntity, "invalid flow definition"}
	}

	return row, flow, nil
}

func (s *Service) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	slog.Debug("Fetching flow", "id", idStr)

	row, flow, herr := s.loadFlow(r, idStr)
	if herr != nil {
		herr.write(w)
		return
	}

	response := FlowResponse{
		ID:             row.ID,
		Name:           row.Name,
		Description:    row.Description,
		IsActive:       row.IsActive,
		CaptureContext: row.CaptureContext,
		Nodes:          flow.Nodes,
		Edges:          flow.Edges,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (s *Service) HandleValidateFlow(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]

	_, flow, herr := s.loadFlow(r, idStr)
	if herr != nil {
		herr.write(w)
		return
	}

	response := ValidationResponse{Valid: true, Problems: []string{}}
	if err := engine.ValidateFlow(s.executor.Registry(), flow); err != nil {
		response.Valid = false
		var problems engine.FlowProblems
		if errors.As(err, &problems) {
			response.Problems = problems.Strings()
		} else {
			response.Problems = []string{err.Error()}
		}
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// HandleTrigger fires the trigger node {nodeId} of flow {id} with the HTTP
// request as payload. The answer is shaped by the trigger node's config after
// the walk (or its synchronous part) ran: statusCode, headers and
// responseFormat. With ?debug=true the full response envelope is returned
// as JSON together with the session id and trace.
func (s *Service) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	idStr, nodeID := vars["id"], vars["nodeId"]
	slog.Debug("Triggering flow", "id", idStr, "node_id", nodeID)

	var debug bool
	if err := runtime.BindQueryParameter("form", true, false, "debug", r.URL.Query(), &debug); err != nil {
		http.Error(w, "invalid debug parameter", http.StatusBadRequest)
		return
	}

	payload, err := requestPayload(r)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	_, flow, herr := s.loadFlow(r, idStr)
	if herr != nil {
		herr.write(w)
		return
	}
	if !flow.Active() {
		http.Error(w, "flow is not active", http.StatusConflict)
		return
	}

	if !hasNode(flow, nodeID) {
		http.Error(w, "trigger node not found", http.StatusNotFound)
		return
	}

	resp, session, err := s.executor.Trigger(r.Context(), flow, nodeID, payload)
	if err != nil {
		slog.Error("failed to trigger flow", "flow_id", flow.ID, "node_id", nodeID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if debug {
		writeJSON(w, http.StatusOK, TriggerDebugResponse{
			Meta:      resp.Meta,
			Data:      resp.Data,
			SessionID: session.ID(),
			Trace:     session.Trace(),
		})
		return
	}

	writeTriggerResponse(w, session.ID(), resp)
}

func hasNode(flow *engine.Flow, nodeID string) bool {
	for _, n := range flow.Nodes {
		if n.ID == nodeID {
			return true
		}
	}
	return false
}

func writeTriggerResponse(w http.ResponseWriter, sessionID string, resp *engine.Response) {
	cfg := resp.Meta.ConfigMap()

	status := cast.ToInt(cfg[engine.ConfigStatusCode])
	if status < 100 || status > 599 {
		status = http.StatusOK
	}

	for k, v := range cast.ToStringMapString(cfg[engine.ConfigHeaders]) {
		w.Header().Set(k, v)
	}
	w.Header().Set("X-Session-Id", sessionID)

	format := cast.ToString(cfg[engine.ConfigResponseFormat])
	text, isText := resp.Data.(string)
	if isText && format != "" && !isJSONMediaType(format) {
		w.Header().Set("Content-Type", format)
		w.WriteHeader(status)
		if _, err := io.WriteString(w, text); err != nil {
			slog.Error("failed to write response", "error", err)
		}
		return
	}

	if format != "" {
		w.Header().Set("Content-Type", format)
	}
	writeJSON(w, status, resp.Data)
}

func (s *Service) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]

	if _, err := uuid.Parse(idStr); err != nil {
		http.Error(w, "invalid flow id", http.StatusBadRequest)
		return
	}
	if s.history == nil {
		http.Error(w, "execution history is disabled", http.StatusNotFound)
		return
	}

	limit := history.DefaultLimit
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil || limit <= 0 {
		http.Error(w, "invalid limit parameter", http.StatusBadRequest)
		return
	}

	execs, err := s.history.List(r.Context(), idStr, limit)
	if err != nil {
		slog.Error("failed to list executions", "flow_id", idStr, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if err := json.NewEncoder(w).Encode(execs); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (s *Service) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if s.sessions == nil {
		http.Error(w, "session tracking is disabled", http.StatusNotFound)
		return
	}

	ev, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, events.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to get session", "session_id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if err := json.NewEncoder(w).Encode(ev); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (s *Service) HandleListLambdas(w http.ResponseWriter, r *http.Request) {
	descs := s.executor.Registry().FindAll()

	response := make([]LambdaResponse, 0, len(descs))
	for _, d := range descs {
		response = append(response, LambdaResponse{
			Type:         d.Meta.Type,
			Label:        strmangle.TitleCase(d.Meta.Type),
			Description:  d.Meta.Description,
			Icon:         d.Meta.Icon,
			Handles:      d.Meta.Handles,
			ConfigSchema: d.Meta.ConfigSchema,
		})
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// requestPayload turns the request into the trigger payload
// {method, path, query, headers, body}. JSON bodies are decoded; any other
// body is passed on as text.
func requestPayload(r *http.Request) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}

	var body any
	if len(raw) > 0 {
		if isJSONMediaType(r.Header.Get("Content-Type")) {
			if err := json.Unmarshal(raw, &body); err != nil {
				return nil, errors.Wrap(err, "decode body")
			}
		} else {
			body = string(raw)
		}
	}

	query := make(map[string]any, len(r.URL.Query()))
	for k, vs := range r.URL.Query() {
		if len(vs) == 1 {
			query[k] = vs[0]
			continue
		}
		list := make([]any, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		query[k] = list
	}

	headers := make(map[string]any, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}

	return map[string]any{
		"method":  r.Method,
		"path":    r.URL.Path,
		"query":   query,
		"headers": headers,
		"body":    body,
	}, nil
}

func isJSONMediaType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "json")
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
