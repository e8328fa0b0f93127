package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/provider"
	"github.com/nexushq/relay/internal/relayerr"
	"github.com/nexushq/relay/internal/store"
)

// Canonical auth headers. HeaderAPIKeyAlias is accepted for older runtimes.
const (
	HeaderAPIKey      = "X-OpenClaw-Api-Key"
	HeaderAPIKeyAlias = "X-Relay-Api-Key"
	HeaderUserID      = "X-Nexus-User-Id"
)

// Handler is the bridge HTTP surface mounted under /openclaw.
type Handler struct {
	apiKey      string
	registry    *Registry
	sync        *SyncService
	hub         *Hub
	gateway     *provider.Gateway
	store       store.Store
	logger      *observability.Logger
	metrics     *observability.Metrics
	toolTimeout time.Duration
}

// NewHandler wires the bridge surface. metrics may be nil.
func NewHandler(apiKey string, reg *Registry, sync *SyncService, hub *Hub, gw *provider.Gateway, st store.Store, logger *observability.Logger, metrics *observability.Metrics, toolTimeout time.Duration) *Handler {
	if toolTimeout == 0 {
		toolTimeout = 20 * time.Second
	}
	return &Handler{
		apiKey:      apiKey,
		registry:    reg,
		sync:        sync,
		hub:         hub,
		gateway:     gw,
		store:       st,
		logger:      logger,
		metrics:     metrics,
		toolTimeout: toolTimeout,
	}
}

// Routes returns the bridge mux. Every route sits behind the API key check.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /openclaw/health", h.handleHealth)
	mux.HandleFunc("GET /openclaw/tools/catalog", h.handleCatalog)
	mux.HandleFunc("POST /openclaw/tools/execute", h.handleExecute)
	mux.HandleFunc("POST /openclaw/conversations/sync", h.handleSync)
	mux.HandleFunc("GET /openclaw/conversations", h.handleConversations)
	mux.HandleFunc("GET /openclaw/conversations/stream", h.handleStream)
	mux.HandleFunc("GET /openclaw/conversations/{id}", h.handleConversation)
	return h.requireKey(mux)
}

// requireKey rejects requests without the shared key before any business
// logic runs.
func (h *Handler) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAPIKey)
		if key == "" {
			key = r.Header.Get(HeaderAPIKeyAlias)
		}
		if h.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			h.writeError(w, r, relayerr.New(relayerr.KindUnauthorized, "invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth reports bridge liveness with the provider connection summary.
// It never raises; degradation is reported in the body.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	connections := map[string]string{}
	if h.gateway != nil {
		for name, status := range h.gateway.TestConnections(ctx) {
			connections[name] = string(status)
		}
	}
	db := "ok"
	if err := h.store.ReadHealth(ctx); err != nil {
		db = "down"
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"connections": connections,
		"db":          db,
	})
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"tools":   h.registry.Catalog(),
		"metadata": map[string]any{
			"catalogVersion": h.registry.Version(),
		},
	})
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		h.writeError(w, r, relayerr.New(relayerr.KindUnauthorized, "no connected user"))
		return
	}

	var body struct {
		Tool string          `json:"tool"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, relayerr.New(relayerr.KindInvalidRequest, "malformed request body"))
		return
	}
	if body.Tool == "" {
		h.writeError(w, r, relayerr.New(relayerr.KindInvalidRequest, "tool is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.toolTimeout)
	defer cancel()
	ctx = observability.WithUserID(ctx, userID)

	start := time.Now()
	result, err := h.registry.Execute(ctx, userID, body.Tool, body.Args)
	if h.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		h.metrics.ToolExecutions.WithLabelValues(body.Tool, status).Inc()
		h.metrics.ToolDuration.WithLabelValues(body.Tool).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		h.logger.Warn(ctx, "tool execution failed", "tool", body.Tool, "error", err)
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var payload SyncPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, r, relayerr.New(relayerr.KindInvalidRequest, "malformed request body"))
		return
	}
	if payload.UserID == "" {
		payload.UserID = r.Header.Get(HeaderUserID)
	}

	result, err := h.sync.Sync(r.Context(), &payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	userID := h.requestUser(r)
	convs, err := h.sync.Conversations(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversations": convs})
}

func (h *Handler) handleConversation(w http.ResponseWriter, r *http.Request) {
	userID := h.requestUser(r)
	conv, msgs, err := h.sync.Conversation(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"conversation": conv,
		"messages":     msgs,
	})
}

// handleStream pushes newly inserted messages for the user as server-sent
// events until the client disconnects.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := h.requestUser(r)
	if userID == "" {
		h.writeError(w, r, relayerr.New(relayerr.KindUnauthorized, "no connected user"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, relayerr.New(relayerr.KindInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	msgs, cancel := h.hub.Subscribe(userID)
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-msgs:
			if msg == nil {
				return
			}
			encoded, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(encoded) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// requestUser prefers the header, falling back to the query parameter used
// by browser EventSource clients.
func (h *Handler) requestUser(r *http.Request) string {
	if id := r.Header.Get(HeaderUserID); id != "" {
		return id
	}
	return r.URL.Query().Get("userId")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error(context.Background(), "response encode failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := relayerr.KindOf(err)
	h.writeJSON(w, kind.HTTPStatus(), map[string]any{
		"success": false,
		"error": map[string]any{
			"kind":    string(kind),
			"message": err.Error(),
		},
	})
}
