package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nexushq/relay/internal/orchestrator"
	"github.com/nexushq/relay/internal/relayerr"
	"github.com/nexushq/relay/internal/store"
	"github.com/nexushq/relay/pkg/models"
)

// HeaderUserID identifies the caller when auth is disabled (development
// deployments). With auth enabled identity always comes from the token.
const HeaderUserID = "X-Relay-User-Id"

type chatRequest struct {
	UserID         string                         `json:"userId,omitempty"`
	ConversationID string                         `json:"conversationId,omitempty"`
	Messages       []orchestrator.IncomingMessage `json:"messages"`
	Stream         bool                           `json:"stream"`
	Sensitivity    models.Sensitivity             `json:"sensitivity,omitempty"`
	Role           models.TaskRole                `json:"role,omitempty"`
	Model          string                         `json:"model,omitempty"`
	RequestID      string                         `json:"requestId,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, relayerr.New(relayerr.KindInvalidRequest, "malformed request body"))
		return
	}

	userID, err := s.requestUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if userID == "" {
		userID = body.UserID
	}

	req := &orchestrator.ChatRequest{
		UserID:         userID,
		ConversationID: body.ConversationID,
		Messages:       body.Messages,
		RequestID:      body.RequestID,
		Sensitivity:    body.Sensitivity,
		Role:           body.Role,
		Model:          body.Model,
	}

	if body.Stream {
		s.streamChat(w, r, req)
		return
	}

	result, err := s.orch.Chat(r.Context(), req, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"content":  result.Content,
		"metadata": result.Metadata,
	})
}

// streamChat relays deltas as server-sent events in arrival order. The
// stream terminates with a metadata event and [DONE]; aborted requests get
// an abort marker after [DONE]. Errors raised after the first delta are
// delivered as an error chunk since the status line is already committed.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req *orchestrator.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, relayerr.New(relayerr.KindInternal, "streaming unsupported"))
		return
	}

	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
	}
	event := func(payload any) {
		begin()
		encoded, err := json.Marshal(payload)
		if err != nil {
			return
		}
		w.Write([]byte("data: " + string(encoded) + "\n\n"))
		flusher.Flush()
	}

	result, err := s.orch.Chat(r.Context(), req, func(delta string) {
		event(map[string]string{"delta": delta})
	})
	if err != nil {
		if !started {
			s.writeError(w, err)
			return
		}
		event(map[string]any{"error": errorBody(err)})
		return
	}

	event(map[string]any{"metadata": result.Metadata})
	begin()
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
	if result.Aborted {
		event(map[string]any{"aborted": true})
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID string `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RequestID == "" {
		s.writeError(w, relayerr.New(relayerr.KindInvalidRequest, "requestId is required"))
		return
	}
	aborted := s.orch.Abort(body.RequestID)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "aborted": aborted})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	userID, err := s.requestUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if userID == "" {
		s.writeError(w, relayerr.New(relayerr.KindUnauthorized, "user identity required"))
		return
	}

	convs, err := s.store.ListConversations(r.Context(), store.UserScope(userID), userID, store.ListOptions{})
	if err != nil {
		s.writeError(w, mapStoreErr(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversations": convs})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	userID, err := s.requestUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	scope := store.UserScope(userID)
	id := r.PathValue("id")

	conv, err := s.store.GetConversation(r.Context(), scope, id)
	if err != nil {
		s.writeError(w, mapStoreErr(err))
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), scope, id, store.MessageOptions{})
	if err != nil {
		s.writeError(w, mapStoreErr(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"conversation": conv,
		"messages":     msgs,
	})
}

// handleHealth reports provider and store health. It never raises;
// degradation shows in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	connections := map[string]string{}
	overall := "ok"
	for name, status := range s.gateway.TestConnections(ctx) {
		connections[name] = string(status)
		if status != "connected" {
			overall = "degraded"
		}
	}
	db := "ok"
	if err := s.store.ReadHealth(ctx); err != nil {
		db = "down"
		overall = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"status":      overall,
		"connections": connections,
		"db":          db,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if hours := r.URL.Query().Get("hours"); hours != "" {
		if n, err := strconv.Atoi(hours); err == nil && n > 0 {
			window = time.Duration(n) * time.Hour
		}
	}
	stats, err := s.gateway.Stats(r.Context(), store.PrivilegedScope("admin"),
		r.URL.Query().Get("userId"), r.URL.Query().Get("provider"), window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

func (s *Server) handlePersonaDecisions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"decisions": s.orch.RecentPersonaDecisions(),
	})
}

func (s *Server) handleHygiene(w http.ResponseWriter, r *http.Request) {
	if s.hygiene == nil {
		s.writeError(w, relayerr.New(relayerr.KindUnavailable, "hygiene disabled"))
		return
	}
	dryRun := r.URL.Query().Get("dryRun") == "true"
	report, err := s.hygiene.Run(r.Context(), dryRun)
	if err != nil {
		s.writeError(w, relayerr.Wrap(relayerr.KindInternal, err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "report": report})
}

func (s *Server) handleSoulGet(w http.ResponseWriter, r *http.Request) {
	content, err := s.soul.Read()
	if err != nil {
		s.writeError(w, relayerr.Wrap(relayerr.KindInternal, err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "content": content})
}

func (s *Server) handleSoulPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, relayerr.New(relayerr.KindInvalidRequest, "malformed request body"))
		return
	}
	if err := s.soul.Write(body.Content); err != nil {
		s.writeError(w, relayerr.Wrap(relayerr.KindInternal, err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// requestUser resolves the caller identity: from the token when auth is
// enabled, else from the development header or query parameter.
func (s *Server) requestUser(r *http.Request) (string, error) {
	if s.auth.Enabled() {
		user, err := s.auth.Authenticate(r)
		if err != nil {
			return "", err
		}
		return user.ID, nil
	}
	if id := r.Header.Get(HeaderUserID); id != "" {
		return id, nil
	}
	return r.URL.Query().Get("userId"), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := relayerr.KindOf(err)
	s.writeJSON(w, kind.HTTPStatus(), map[string]any{
		"success": false,
		"error":   errorBody(err),
	})
}

func errorBody(err error) map[string]any {
	return map[string]any{
		"kind":    string(relayerr.KindOf(err)),
		"message": err.Error(),
	}
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return relayerr.Wrap(relayerr.KindNotFound, err)
	case errors.Is(err, store.ErrUnauthorized):
		return relayerr.Wrap(relayerr.KindUnauthorized, err)
	case errors.Is(err, store.ErrConflict):
		return relayerr.Wrap(relayerr.KindConflict, err)
	case errors.Is(err, store.ErrUnavailable):
		return relayerr.Wrap(relayerr.KindUnavailable, err)
	default:
		return relayerr.Wrap(relayerr.KindInternal, err)
	}
}
