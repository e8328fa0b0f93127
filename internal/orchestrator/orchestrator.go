// Package orchestrator runs the end-to-end chat pipeline: conversation
// resolution, context assembly, persona and prompt selection, upstream
// dispatch with streaming relay, transcript persistence, and cooperative
// cancellation through the request registry.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexushq/relay/internal/assembler"
	"github.com/nexushq/relay/internal/experts"
	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/provider"
	"github.com/nexushq/relay/internal/registry"
	"github.com/nexushq/relay/internal/relayerr"
	"github.com/nexushq/relay/internal/store"
	"github.com/nexushq/relay/pkg/models"
)

// IncomingMessage is one message of a chat request.
type IncomingMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// ChatRequest is the orchestrator input for one turn.
type ChatRequest struct {
	UserID         string
	OrgID          string
	ConversationID string
	Messages       []IncomingMessage
	RequestID      string
	Sensitivity    models.Sensitivity
	Role           models.TaskRole
	Model          string
}

// ModelWay is the per-response envelope describing how the request was
// served.
type ModelWay struct {
	Intent         string `json:"intent"`
	Phase          string `json:"phase"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	ConversationID string `json:"conversationId"`
	RequestID      string `json:"requestId"`
}

// Metadata accompanies every chat result.
type Metadata struct {
	ModelWay      ModelWay `json:"modelWay"`
	PersonaID     string   `json:"personaId,omitempty"`
	ContextDigest string   `json:"contextDigest,omitempty"`
	Aborted       bool     `json:"aborted,omitempty"`
}

// Result is the terminal outcome of one chat turn.
type Result struct {
	Content  string
	Aborted  bool
	Metadata Metadata
}

// ProfileSource supplies the user snapshot the persona selector consults.
type ProfileSource interface {
	Lookup(ctx context.Context, userID string) experts.Profile
}

// staticProfiles is the default source: a complete profile with no issues,
// which keeps the selector on its default persona.
type staticProfiles struct{}

func (staticProfiles) Lookup(context.Context, string) experts.Profile {
	return experts.Profile{Completeness: 1}
}

// Config bounds the pipeline.
type Config struct {
	// MessageWindow is how many prior persisted messages are replayed.
	MessageWindow int

	// ChatTimeout is the wall clock for one upstream dispatch.
	ChatTimeout time.Duration

	// MaxBlocks caps the context bundle.
	MaxBlocks int

	// Horizons toggles which fact horizons the assembler queries.
	IncludeShort  bool
	IncludeMedium bool
	IncludeLong   bool

	// AgentID scopes agent-subject facts.
	AgentID string
}

func (c *Config) applyDefaults() {
	if c.MessageWindow == 0 {
		c.MessageWindow = 40
	}
	if c.ChatTimeout == 0 {
		c.ChatTimeout = 60 * time.Second
	}
	if c.MaxBlocks == 0 {
		c.MaxBlocks = 10
		c.IncludeShort, c.IncludeMedium, c.IncludeLong = true, true, true
	}
	if c.AgentID == "" {
		c.AgentID = "relay"
	}
}

// Orchestrator wires the pipeline components.
type Orchestrator struct {
	store     store.Store
	assembler *assembler.Assembler
	selector  *experts.Selector
	templates []*experts.PromptTemplate
	gateway   *provider.Gateway
	registry  *registry.Registry
	profiles  ProfileSource
	logger    *observability.Logger
	tracer    *observability.Tracer
	cfg       Config

	locks *conversationLocks

	// personaMu guards the per-conversation persona memory.
	personaMu sync.Mutex
	personas  map[string]string
}

// New creates the orchestrator.
func New(st store.Store, asm *assembler.Assembler, sel *experts.Selector, templates []*experts.PromptTemplate, gw *provider.Gateway, reg *registry.Registry, logger *observability.Logger, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:     st,
		assembler: asm,
		selector:  sel,
		templates: templates,
		gateway:   gw,
		registry:  reg,
		profiles:  staticProfiles{},
		logger:    logger,
		cfg:       cfg,
		locks:     newConversationLocks(),
		personas:  make(map[string]string),
	}
}

// SetProfileSource replaces the default profile source.
func (o *Orchestrator) SetProfileSource(src ProfileSource) {
	if src != nil {
		o.profiles = src
	}
}

// SetTracer enables pipeline spans. Nil leaves tracing off.
func (o *Orchestrator) SetTracer(t *observability.Tracer) {
	o.tracer = t
}

// Abort cancels an in-flight request. Idempotent; false for unknown ids.
func (o *Orchestrator) Abort(requestID string) bool {
	return o.registry.Abort(requestID)
}

// ActiveRequests lists in-flight request ids.
func (o *Orchestrator) ActiveRequests() []string {
	return o.registry.ListActive()
}

// RecentPersonaDecisions exposes the selector audit ring for the admin
// surface.
func (o *Orchestrator) RecentPersonaDecisions() []experts.Decision {
	return o.selector.RecentDecisions()
}

// Shutdown aborts every in-flight request.
func (o *Orchestrator) Shutdown() {
	o.registry.AbortAll()
}

// Chat runs one turn. onDelta, when non-nil, receives each streamed text
// delta in arrival order; the full text is also returned in the Result.
// Partial text is persisted on abort and timeout.
func (o *Orchestrator) Chat(ctx context.Context, req *ChatRequest, onDelta func(delta string)) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx = observability.WithRequestID(ctx, req.RequestID)
	ctx = observability.WithUserID(ctx, req.UserID)
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.chat",
			attribute.String("request.id", req.RequestID),
			attribute.String("sensitivity", string(req.Sensitivity)))
		defer span.End()
	}
	scope := store.UserScope(req.UserID)

	conv, err := o.resolveConversation(ctx, scope, req)
	if err != nil {
		return nil, err
	}
	ctx = observability.WithConversationID(ctx, conv.ID)

	// Serialize this turn against concurrent turns on the same
	// conversation: window read and both appends happen under the lock.
	release := o.locks.acquire(conv.ID)
	defer release()

	prior, err := o.messageWindow(ctx, scope, conv.ID)
	if err != nil {
		return nil, mapStoreErr(err, req.RequestID)
	}

	// User messages land before the assistant reply so transcripts are
	// never assistant-first. A dedupe conflict means the message is
	// already in the transcript (rapid double submit); not an error.
	for i := range req.Messages {
		if req.Messages[i].Role != models.RoleUser {
			continue
		}
		msg := &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleUser,
			Content:        req.Messages[i].Content,
		}
		if err := o.store.AppendMessage(ctx, scope, msg); err != nil {
			if errors.Is(err, store.ErrConflict) {
				o.logger.Debug(ctx, "duplicate user message inside dedupe window, skipping")
				continue
			}
			return nil, mapStoreErr(err, req.RequestID)
		}
	}

	bundle, err := o.assembler.Assemble(ctx, scope, assembler.Request{
		UserID:         req.UserID,
		AgentID:        o.cfg.AgentID,
		ConversationID: conv.ID,
		IncludeShort:   o.cfg.IncludeShort,
		IncludeMedium:  o.cfg.IncludeMedium,
		IncludeLong:    o.cfg.IncludeLong,
		MaxBlocks:      o.cfg.MaxBlocks,
	})
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, err).WithRequestID(req.RequestID)
	}

	lastUser := lastUserContent(req.Messages)
	profile := o.profiles.Lookup(ctx, req.UserID)
	decision := o.selector.Select(ctx, lastUser, prior, profile, o.currentPersona(conv.ID))
	o.rememberPersona(conv.ID, decision.PersonaID)

	persona := o.selector.Persona(decision.PersonaID)
	contextDict := map[string]any{
		"message":              lastUser,
		"conversation_length":  len(prior),
		"profile_completeness": profile.Completeness,
		"intent":               persona.Focus,
	}
	template := experts.SelectTemplate(o.templates, decision.PersonaID, contextDict, profile.Completeness)
	systemPrompt := experts.BuildSystemPrompt(persona, template, bundle.RenderText())

	reqCtx, registered := o.registry.Register(ctx, req.RequestID)
	if !registered {
		return nil, relayerr.New(relayerr.KindConflict, "request id already in flight").WithRequestID(req.RequestID)
	}
	defer o.registry.Unregister(req.RequestID)

	dispatchCtx, cancel := context.WithTimeout(reqCtx, o.cfg.ChatTimeout)
	defer cancel()

	chunks, selection, err := o.gateway.Chat(dispatchCtx, &provider.ChatRequest{
		Messages:    composeMessages(prior, req.Messages),
		System:      systemPrompt,
		Role:        req.Role,
		Sensitivity: req.Sensitivity,
		UserID:      req.UserID,
		OrgID:       req.OrgID,
		Model:       req.Model,
		RequestID:   req.RequestID,
	})
	if err != nil {
		return nil, o.classifyDispatchErr(err, reqCtx, req.RequestID)
	}

	text, aborted, streamErr := o.relay(reqCtx, chunks, onDelta)

	metadata := Metadata{
		ModelWay: ModelWay{
			Intent:         persona.Focus,
			Phase:          "chat",
			Provider:       selection.Provider,
			Model:          selection.Model,
			ConversationID: conv.ID,
			RequestID:      req.RequestID,
		},
		PersonaID:     decision.PersonaID,
		ContextDigest: bundle.ContextDigest,
		Aborted:       aborted,
	}

	if text != "" {
		assistant := &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleAssistant,
			Content:        text,
			Metadata: map[string]any{
				"provider": selection.Provider,
				"model":    selection.Model,
				"aborted":  aborted,
			},
		}
		// Persist with a fresh context: the request context may already
		// be cancelled, and partial text must not be lost.
		persistCtx, persistCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.store.AppendMessage(persistCtx, scope, assistant); err != nil && !errors.Is(err, store.ErrConflict) {
			o.logger.Error(ctx, "assistant message persist failed", "error", err)
		}
		persistCancel()
	}

	if streamErr != nil && !aborted {
		return nil, o.classifyDispatchErr(streamErr, dispatchCtx, req.RequestID)
	}
	return &Result{Content: text, Aborted: aborted, Metadata: metadata}, nil
}

// relay consumes the chunk stream, forwarding deltas in arrival order.
func (o *Orchestrator) relay(reqCtx context.Context, chunks <-chan *provider.CompletionChunk, onDelta func(string)) (text string, aborted bool, err error) {
	var sb []byte
	for chunk := range chunks {
		if chunk.Error != nil {
			err = chunk.Error
			aborted = errors.Is(err, context.Canceled)
			break
		}
		if chunk.Delta != "" {
			sb = append(sb, chunk.Delta...)
			if onDelta != nil {
				onDelta(chunk.Delta)
			}
		}
	}
	// Drain so the accounting goroutine can finish.
	for range chunks {
	}

	if reqCtx.Err() != nil && errors.Is(reqCtx.Err(), context.Canceled) {
		aborted = true
	}
	return string(sb), aborted, err
}

func (o *Orchestrator) classifyDispatchErr(err error, ctx context.Context, requestID string) error {
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return relayerr.New(relayerr.KindAborted, "request aborted").WithRequestID(requestID)
	case errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)):
		return relayerr.New(relayerr.KindTimeout, "chat timeout exceeded").WithRequestID(requestID)
	default:
		var re *relayerr.Error
		if errors.As(err, &re) {
			return re.WithRequestID(requestID)
		}
		return relayerr.Wrap(relayerr.KindUnavailable, err).WithRequestID(requestID)
	}
}

func (o *Orchestrator) resolveConversation(ctx context.Context, scope store.Scope, req *ChatRequest) (*models.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := o.store.GetConversation(ctx, scope, req.ConversationID)
		if err != nil {
			return nil, mapStoreErr(err, req.RequestID)
		}
		return conv, nil
	}
	conv := &models.Conversation{
		UserID: req.UserID,
		OrgID:  req.OrgID,
		Title:  models.TitleFromContent(firstUserContent(req.Messages)),
		Source: models.SourceNative,
	}
	if err := o.store.CreateConversation(ctx, scope, conv); err != nil {
		return nil, mapStoreErr(err, req.RequestID)
	}
	return conv, nil
}

func (o *Orchestrator) messageWindow(ctx context.Context, scope store.Scope, conversationID string) ([]*models.Message, error) {
	recent, err := o.store.ListMessages(ctx, scope, conversationID, store.MessageOptions{
		Descending: true,
		Limit:      o.cfg.MessageWindow,
	})
	if err != nil {
		return nil, err
	}
	// Newest-first window, re-reversed for prompt order.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

func (o *Orchestrator) currentPersona(conversationID string) string {
	o.personaMu.Lock()
	defer o.personaMu.Unlock()
	return o.personas[conversationID]
}

func (o *Orchestrator) rememberPersona(conversationID, personaID string) {
	o.personaMu.Lock()
	defer o.personaMu.Unlock()
	o.personas[conversationID] = personaID
}

func validate(req *ChatRequest) error {
	if req.UserID == "" {
		return relayerr.New(relayerr.KindUnauthorized, "user id is required")
	}
	if len(req.Messages) == 0 {
		return relayerr.New(relayerr.KindInvalidRequest, "messages must not be empty")
	}
	hasUser := false
	for _, m := range req.Messages {
		if !models.ValidRole(m.Role) {
			return relayerr.New(relayerr.KindInvalidRequest, "invalid message role")
		}
		if m.Role == models.RoleUser {
			hasUser = true
		}
	}
	if !hasUser {
		return relayerr.New(relayerr.KindInvalidRequest, "at least one user message is required")
	}
	return nil
}

func mapStoreErr(err error, requestID string) error {
	var kind relayerr.Kind
	switch {
	case errors.Is(err, store.ErrNotFound):
		kind = relayerr.KindNotFound
	case errors.Is(err, store.ErrUnauthorized):
		kind = relayerr.KindUnauthorized
	case errors.Is(err, store.ErrConflict):
		kind = relayerr.KindConflict
	case errors.Is(err, store.ErrUnavailable):
		kind = relayerr.KindUnavailable
	default:
		kind = relayerr.KindInternal
	}
	return relayerr.Wrap(kind, err).WithRequestID(requestID)
}

func firstUserContent(msgs []IncomingMessage) string {
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			return m.Content
		}
	}
	return ""
}

func lastUserContent(msgs []IncomingMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func composeMessages(prior []*models.Message, incoming []IncomingMessage) []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(prior)+len(incoming))
	seen := make(map[string]bool, len(incoming))
	for _, m := range incoming {
		seen[string(m.Role)+"\x00"+m.Content] = true
	}
	for _, m := range prior {
		// The incoming user messages were persisted before the window in
		// some retry paths; avoid sending them twice.
		if seen[string(m.Role)+"\x00"+m.Content] {
			continue
		}
		if m.Role == models.RoleSystem {
			continue
		}
		out = append(out, provider.ChatMessage{Role: m.Role, Content: m.Content})
	}
	for _, m := range incoming {
		out = append(out, provider.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
