// Package assembler builds the deterministic context bundle injected into
// each chat turn: a bounded set of knowledge fact blocks across the short,
// medium, and long horizons, plus a stable digest callers can cache on.
package assembler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/nexushq/relay/internal/knowledge"
	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/store"
	"github.com/nexushq/relay/pkg/models"
)

// Request describes one assembly pass.
type Request struct {
	UserID         string
	AgentID        string
	ConversationID string

	IncludeShort  bool
	IncludeMedium bool
	IncludeLong   bool

	// MaxBlocks caps the bundle size; zero means no cap.
	MaxBlocks int
}

// Block is one rendered fact in the bundle.
type Block struct {
	ID          string             `json:"id"`
	Horizon     models.Horizon     `json:"horizon"`
	Title       string             `json:"title"`
	Source      string             `json:"source"`
	SubjectType models.SubjectType `json:"subject_type"`
	SubjectID   string             `json:"subject_id"`
	Body        string             `json:"body"`
}

// HorizonUsage counts retained blocks per horizon.
type HorizonUsage struct {
	Short  int `json:"short"`
	Medium int `json:"medium"`
	Long   int `json:"long"`
}

// Bundle is the assembled context for one chat turn.
type Bundle struct {
	AgentID       string       `json:"agent_id"`
	Blocks        []Block      `json:"context_blocks"`
	HorizonUsage  HorizonUsage `json:"horizon_usage"`
	SourceIDs     []string     `json:"sources"`
	ContextDigest string       `json:"context_digest"`
	TokenEstimate int          `json:"token_estimate"`
}

// SharedSubjectID is the well-known subject id for tenant-wide facts.
const SharedSubjectID = "global"

// Assembler selects and renders knowledge facts into a context bundle.
type Assembler struct {
	facts  *knowledge.Service
	logger *observability.Logger
}

// New creates a context assembler. A nil fact service is permitted; every
// assembly then yields the empty bundle.
func New(facts *knowledge.Service, logger *observability.Logger) *Assembler {
	return &Assembler{facts: facts, logger: logger}
}

// Assemble builds the bundle. It never fails on an empty or unavailable fact
// store; the worst case is an empty bundle with the digest of the empty set.
func (a *Assembler) Assemble(ctx context.Context, scope store.Scope, req Request) (*Bundle, error) {
	bundle := &Bundle{AgentID: req.AgentID}

	facts := a.collect(ctx, scope, req)
	facts = dedupeByDomainKey(facts)
	facts = capBlocks(facts, req.MaxBlocks)

	for _, f := range facts {
		block := renderBlock(f)
		bundle.Blocks = append(bundle.Blocks, block)
		bundle.SourceIDs = append(bundle.SourceIDs, f.ID)
		switch f.Horizon {
		case models.HorizonShort:
			bundle.HorizonUsage.Short++
		case models.HorizonMedium:
			bundle.HorizonUsage.Medium++
		case models.HorizonLong:
			bundle.HorizonUsage.Long++
		}
		bundle.TokenEstimate += estimateTokens(block.Title) + estimateTokens(block.Body)
	}

	bundle.ContextDigest = digest(facts)
	return bundle, nil
}

// collect queries each requested horizon for the user, agent, and shared
// subjects. Store errors degrade to an empty result; assembly never throws.
func (a *Assembler) collect(ctx context.Context, scope store.Scope, req Request) []*models.KnowledgeFact {
	if a.facts == nil {
		return nil
	}

	var horizons []models.Horizon
	if req.IncludeShort {
		horizons = append(horizons, models.HorizonShort)
	}
	if req.IncludeMedium {
		horizons = append(horizons, models.HorizonMedium)
	}
	if req.IncludeLong {
		horizons = append(horizons, models.HorizonLong)
	}
	if len(horizons) == 0 {
		return nil
	}

	subjects := []store.Subject{
		{Type: models.SubjectShared, ID: SharedSubjectID},
	}
	if req.UserID != "" {
		subjects = append(subjects, store.Subject{Type: models.SubjectUser, ID: req.UserID})
	}
	if req.AgentID != "" {
		subjects = append(subjects, store.Subject{Type: models.SubjectAgent, ID: req.AgentID})
	}

	facts, err := a.facts.Query(ctx, scope, store.FactFilter{
		Subjects: subjects,
		Horizons: horizons,
	})
	if err != nil {
		a.logger.Warn(ctx, "fact query failed, assembling empty bundle", "error", err)
		return nil
	}
	return facts
}

// dedupeByDomainKey keeps one fact per (domain, fact_key), preferring the
// higher-priority horizon. Input is already horizon-priority ordered.
func dedupeByDomainKey(facts []*models.KnowledgeFact) []*models.KnowledgeFact {
	seen := make(map[string]bool, len(facts))
	out := facts[:0:0]
	for _, f := range facts {
		key := f.Domain + "|" + f.FactKey
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

// capBlocks bounds the bundle at max blocks while keeping the horizon mix
// proportional: every horizon present in the input keeps at least one block.
func capBlocks(facts []*models.KnowledgeFact, max int) []*models.KnowledgeFact {
	if max <= 0 || len(facts) <= max {
		return facts
	}

	byHorizon := make(map[models.Horizon][]*models.KnowledgeFact)
	var order []models.Horizon
	for _, f := range facts {
		if _, ok := byHorizon[f.Horizon]; !ok {
			order = append(order, f.Horizon)
		}
		byHorizon[f.Horizon] = append(byHorizon[f.Horizon], f)
	}

	// One guaranteed slot per horizon, remainder distributed proportionally.
	quota := make(map[models.Horizon]int, len(order))
	remaining := max
	for _, h := range order {
		quota[h] = 1
		remaining--
	}
	for remaining > 0 {
		progressed := false
		for _, h := range order {
			if remaining == 0 {
				break
			}
			if quota[h] < len(byHorizon[h]) {
				quota[h]++
				remaining--
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	out := make([]*models.KnowledgeFact, 0, max)
	for _, h := range order {
		bucket := byHorizon[h]
		n := quota[h]
		if n > len(bucket) {
			n = len(bucket)
		}
		out = append(out, bucket[:n]...)
	}

	// Restore the global ordering the store produced.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Horizon.Priority() != out[j].Horizon.Priority() {
			return out[i].Horizon.Priority() < out[j].Horizon.Priority()
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func renderBlock(f *models.KnowledgeFact) Block {
	title := fmt.Sprintf("%s: %s", capitalize(f.Domain), f.FactKey)
	body := string(f.FactValue)
	body = strings.Trim(body, `"`)
	return Block{
		ID:          f.ID,
		Horizon:     f.Horizon,
		Title:       title,
		Source:      f.Domain,
		SubjectType: f.SubjectType,
		SubjectID:   f.SubjectID,
		Body:        body,
	}
}

// digest hashes the retained (block_id, updated_at) tuples. Stable across
// assemblies as long as no fact mutates.
func digest(facts []*models.KnowledgeFact) string {
	h := sha256.New()
	for _, f := range facts {
		fmt.Fprintf(h, "%s|%d\n", f.ID, f.UpdatedAt.UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// estimateTokens uses the conservative 4-chars-per-token rule.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// RenderText flattens the bundle into the "Current context" prompt section.
// Empty bundles render to the empty string.
func (b *Bundle) RenderText() string {
	if len(b.Blocks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Current context:\n")
	for _, block := range b.Blocks {
		sb.WriteString("- [")
		sb.WriteString(string(block.Horizon))
		sb.WriteString("] ")
		sb.WriteString(block.Title)
		sb.WriteString(": ")
		sb.WriteString(block.Body)
		sb.WriteString("\n")
	}
	return sb.String()
}
