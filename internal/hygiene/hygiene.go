// Package hygiene keeps transcripts tidy: it prunes abandoned conversations,
// removes duplicated messages, archives greeting-only threads, and rewrites
// generic titles with model-generated ones. Every rule is idempotent and the
// whole routine supports a dry-run mode.
package hygiene

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/provider"
	"github.com/nexushq/relay/internal/store"
	"github.com/nexushq/relay/pkg/models"
)

// Config bounds the hygiene rules.
type Config struct {
	// PruneEmptyAfter deletes zero-message conversations older than this.
	PruneEmptyAfter time.Duration

	// PruneShortAfter deletes conversations with at most two messages that
	// were not updated within this span.
	PruneShortAfter time.Duration

	// DedupeWindow bounds how far back duplicate detection looks.
	DedupeWindow time.Duration

	// RetitleBatchSize caps concurrent retitle requests.
	RetitleBatchSize int

	// GenericTitles extends the built-in generic title set.
	GenericTitles []string
}

func (c *Config) applyDefaults() {
	if c.PruneEmptyAfter == 0 {
		c.PruneEmptyAfter = time.Hour
	}
	if c.PruneShortAfter == 0 {
		c.PruneShortAfter = 24 * time.Hour
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 7 * 24 * time.Hour
	}
	if c.RetitleBatchSize == 0 {
		c.RetitleBatchSize = 5
	}
}

// genericTitles is the built-in set, compared lowercase after trimming.
var genericTitles = map[string]bool{
	"":                      true,
	"new conversation":      true,
	"untitled conversation": true,
	"untitled":              true,
	"hi":                    true,
	"hello":                 true,
	"hey":                   true,
	"yo":                    true,
	"sup":                   true,
	"hola":                  true,
}

// Report summarizes one run. In dry-run mode the counters reflect what
// would have happened.
type Report struct {
	Pruned     int   `json:"pruned"`
	Deduped    int   `json:"deduped"`
	Archived   int   `json:"archived"`
	Retitled   int   `json:"retitled"`
	Failures   int   `json:"failures"`
	DryRun     bool  `json:"dry_run"`
	Examined   int   `json:"examined"`
	DurationMS int64 `json:"duration_ms"`
}

// Titler produces a replacement title; satisfied by the provider gateway.
type Titler interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (<-chan *provider.CompletionChunk, *provider.Selection, error)
}

// Service runs the hygiene rules under the privileged store scope.
type Service struct {
	store   store.Store
	titler  Titler
	logger  *observability.Logger
	metrics *observability.Metrics
	cfg     Config
	generic map[string]bool
	now     func() time.Time
}

// New creates the service. titler may be nil, which disables retitling.
func New(st store.Store, titler Titler, logger *observability.Logger, cfg Config) *Service {
	cfg.applyDefaults()
	generic := make(map[string]bool, len(genericTitles)+len(cfg.GenericTitles))
	for t := range genericTitles {
		generic[t] = true
	}
	for _, t := range cfg.GenericTitles {
		generic[normalizeTitle(t)] = true
	}
	return &Service{
		store:   st,
		titler:  titler,
		logger:  logger,
		cfg:     cfg,
		generic: generic,
		now:     time.Now,
	}
}

// SetClock overrides the clock for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetMetrics attaches the metrics collector.
func (s *Service) SetMetrics(m *observability.Metrics) { s.metrics = m }

func (s *Service) observe(action string, n int) {
	if s.metrics == nil || n <= 0 {
		return
	}
	s.metrics.HygieneActions.WithLabelValues(action).Add(float64(n))
}

// IsGenericTitle reports whether the title belongs to the generic set.
func (s *Service) IsGenericTitle(title string) bool {
	return s.generic[normalizeTitle(title)]
}

func normalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	return strings.TrimRight(t, "!.?,")
}

// Run executes all rules in order: prune, dedupe, archive, retitle.
// Per-item failures are logged and counted, never fatal.
func (s *Service) Run(ctx context.Context, dryRun bool) (*Report, error) {
	start := s.now()
	scope := store.PrivilegedScope("hygiene")
	report := &Report{DryRun: dryRun}

	convs, err := s.store.ListConversations(ctx, scope, "", store.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	report.Examined = len(convs)

	remaining := s.prune(ctx, scope, convs, dryRun, report)
	s.dedupe(ctx, scope, remaining, dryRun, report)
	remaining = s.archive(ctx, scope, remaining, dryRun, report)
	s.retitle(ctx, scope, remaining, dryRun, report)

	if !dryRun {
		s.observe("prune", report.Pruned)
		s.observe("dedupe", report.Deduped)
		s.observe("archive", report.Archived)
		s.observe("retitle", report.Retitled)
	}
	report.DurationMS = s.now().Sub(start).Milliseconds()
	s.logger.Info(ctx, "hygiene run complete",
		"pruned", report.Pruned, "deduped", report.Deduped,
		"archived", report.Archived, "retitled", report.Retitled,
		"failures", report.Failures, "dry_run", dryRun)
	return report, nil
}

// prune deletes empty conversations past PruneEmptyAfter and short inactive
// ones past PruneShortAfter. Generic-titled short conversations are left for
// the archive rule so greeting threads are preserved rather than destroyed.
func (s *Service) prune(ctx context.Context, scope store.Scope, convs []*models.Conversation, dryRun bool, report *Report) []*models.Conversation {
	now := s.now()
	kept := make([]*models.Conversation, 0, len(convs))
	for _, conv := range convs {
		if conv.IsArchived {
			kept = append(kept, conv)
			continue
		}
		count, err := s.store.CountMessages(ctx, scope, conv.ID)
		if err != nil {
			s.logger.Warn(ctx, "hygiene count failed", "conversation_id", conv.ID, "error", err)
			report.Failures++
			kept = append(kept, conv)
			continue
		}

		drop := false
		switch {
		case count == 0 && now.Sub(conv.CreatedAt) > s.cfg.PruneEmptyAfter:
			drop = true
		case count <= 2 && now.Sub(conv.UpdatedAt) > s.cfg.PruneShortAfter && !s.IsGenericTitle(conv.Title):
			drop = true
		}
		if !drop {
			kept = append(kept, conv)
			continue
		}

		report.Pruned++
		if dryRun {
			continue
		}
		if err := s.store.DeleteConversation(ctx, scope, conv.ID); err != nil {
			s.logger.Warn(ctx, "hygiene prune failed", "conversation_id", conv.ID, "error", err)
			report.Failures++
			kept = append(kept, conv)
		}
	}
	return kept
}

// dedupe keeps the earliest message of each (role, content) group inside the
// window and deletes the rest. Running twice in a row deletes nothing on the
// second pass.
func (s *Service) dedupe(ctx context.Context, scope store.Scope, convs []*models.Conversation, dryRun bool, report *Report) {
	cutoff := s.now().Add(-s.cfg.DedupeWindow)
	for _, conv := range convs {
		msgs, err := s.store.ListMessages(ctx, scope, conv.ID, store.MessageOptions{})
		if err != nil {
			s.logger.Warn(ctx, "hygiene list failed", "conversation_id", conv.ID, "error", err)
			report.Failures++
			continue
		}

		seen := make(map[string]bool)
		var doomed []string
		for _, msg := range msgs {
			if msg.CreatedAt.Before(cutoff) {
				continue
			}
			key := string(msg.Role) + "\x00" + msg.Content
			if seen[key] {
				doomed = append(doomed, msg.ID)
				continue
			}
			seen[key] = true
		}
		if len(doomed) == 0 {
			continue
		}

		report.Deduped += len(doomed)
		if dryRun {
			continue
		}
		if err := s.store.DeleteMessages(ctx, scope, conv.ID, doomed); err != nil {
			s.logger.Warn(ctx, "hygiene dedupe failed", "conversation_id", conv.ID, "error", err)
			report.Failures++
			report.Deduped -= len(doomed)
		}
	}
}

// archive flags abandoned greeting threads: generic title, at most two
// messages, stale for PruneShortAfter.
func (s *Service) archive(ctx context.Context, scope store.Scope, convs []*models.Conversation, dryRun bool, report *Report) []*models.Conversation {
	now := s.now()
	kept := make([]*models.Conversation, 0, len(convs))
	for _, conv := range convs {
		if conv.IsArchived || !s.IsGenericTitle(conv.Title) {
			kept = append(kept, conv)
			continue
		}
		count, err := s.store.CountMessages(ctx, scope, conv.ID)
		if err != nil {
			report.Failures++
			kept = append(kept, conv)
			continue
		}
		if count > 2 || now.Sub(conv.UpdatedAt) <= s.cfg.PruneShortAfter {
			kept = append(kept, conv)
			continue
		}

		report.Archived++
		if dryRun {
			continue
		}
		if err := s.store.ArchiveConversation(ctx, scope, conv.ID, true); err != nil {
			s.logger.Warn(ctx, "hygiene archive failed", "conversation_id", conv.ID, "error", err)
			report.Failures++
			kept = append(kept, conv)
		}
	}
	return kept
}

// retitle asks the gateway for a 3-5 word title for generic-titled,
// non-archived conversations with at least one message. Requests run in
// bounded batches; per-item failure is logged and skipped.
func (s *Service) retitle(ctx context.Context, scope store.Scope, convs []*models.Conversation, dryRun bool, report *Report) {
	if s.titler == nil {
		return
	}

	var candidates []*models.Conversation
	for _, conv := range convs {
		if conv.IsArchived || !s.IsGenericTitle(conv.Title) {
			continue
		}
		candidates = append(candidates, conv)
	}
	if len(candidates) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RetitleBatchSize)
	results := make(chan bool, len(candidates))

	for _, conv := range candidates {
		conv := conv
		g.Go(func() error {
			msgs, err := s.store.ListMessages(gctx, scope, conv.ID, store.MessageOptions{Limit: 3})
			if err != nil || len(msgs) == 0 {
				return nil
			}
			title, err := s.generateTitle(gctx, msgs)
			if err != nil || title == "" {
				if err != nil {
					s.logger.Warn(gctx, "hygiene retitle failed", "conversation_id", conv.ID, "error", err)
					results <- false
				}
				return nil
			}
			if dryRun {
				results <- true
				return nil
			}
			if err := s.store.UpdateConversationTitle(gctx, scope, conv.ID, title); err != nil {
				s.logger.Warn(gctx, "hygiene title update failed", "conversation_id", conv.ID, "error", err)
				results <- false
				return nil
			}
			results <- true
			return nil
		})
	}
	g.Wait()
	close(results)

	for ok := range results {
		if ok {
			report.Retitled++
		} else {
			report.Failures++
		}
	}
}

// titleExcerptLimit bounds how much of each message feeds the title prompt.
const titleExcerptLimit = 1000

func (s *Service) generateTitle(ctx context.Context, msgs []*models.Message) (string, error) {
	var sb strings.Builder
	for i, msg := range msgs {
		if i >= 3 {
			break
		}
		content := msg.Content
		if len(content) > titleExcerptLimit {
			content = content[:titleExcerptLimit]
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, content)
	}

	chunks, _, err := s.titler.Chat(ctx, &provider.ChatRequest{
		System: "Generate a concise 3-5 word title for this conversation. Respond with the title only, no quotes.",
		Messages: []provider.ChatMessage{
			{Role: models.RoleUser, Content: sb.String()},
		},
		Sensitivity: models.SensitivityInternal,
		Role:        models.TaskChat,
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		out.WriteString(chunk.Delta)
	}
	return cleanTitle(out.String()), nil
}

// cleanTitle strips surrounding whitespace and quote pairs.
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	for len(title) >= 2 {
		first, last := title[0], title[len(title)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') || (first == '`' && last == '`') {
			title = strings.TrimSpace(title[1 : len(title)-1])
			continue
		}
		break
	}
	return models.TitleFromContent(title)
}
