package experts

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/pkg/models"
)

// Profile is the minimal user snapshot the selector consults.
type Profile struct {
	// Completeness is the profile completion ratio in [0,1].
	Completeness float64

	// BusinessIssues lists open business-health issue categories, most
	// severe first. Categories map onto persona focus areas.
	BusinessIssues []string
}

// Decision records one persona selection.
type Decision struct {
	PersonaID          string    `json:"persona_id"`
	PreviousPersonaID  string    `json:"previous_persona_id,omitempty"`
	Reason             string    `json:"reason"`
	ConversationLength int       `json:"conversation_length"`
	Topics             []string  `json:"topics,omitempty"`
	DecidedAt          time.Time `json:"decided_at"`
}

// Switch reasons.
const (
	ReasonExplicitRequest   = "explicit_request"
	ReasonTopicDominance    = "topic_dominance"
	ReasonIncompleteProfile = "incomplete_profile"
	ReasonBusinessIssue     = "business_issue"
	ReasonDefault           = "default"
	ReasonRetained          = "retained"
)

// topicWindow is how many trailing messages topic analysis inspects.
const topicWindow = 5

// topicDominanceThreshold is how many of those messages must mention a topic
// before the current persona may be replaced.
const topicDominanceThreshold = 3

// switchPhrases introduce an explicit persona request.
var switchPhrases = []string{"switch to", "talk to", "use the", "use a", "i need the", "i need a", "need help with", "bring in"}

// Selector picks a persona per turn and keeps an audit trail of switches.
type Selector struct {
	personas  map[string]*Persona
	defaultID string
	logger    *observability.Logger

	mu    sync.Mutex
	audit []Decision
	next  int
	full  bool
}

// auditSize bounds the in-memory switch history.
const auditSize = 128

// NewSelector builds a selector over the given persona set. The first persona
// whose id is PersonaExecutiveAssistant (or the first persona overall) is the
// default.
func NewSelector(personas []*Persona, logger *observability.Logger) *Selector {
	s := &Selector{
		personas: make(map[string]*Persona, len(personas)),
		logger:   logger,
		audit:    make([]Decision, auditSize),
	}
	for _, p := range personas {
		s.personas[p.ID] = p
		if s.defaultID == "" {
			s.defaultID = p.ID
		}
		if p.ID == PersonaExecutiveAssistant {
			s.defaultID = p.ID
		}
	}
	return s
}

// Persona returns a persona by id, or nil.
func (s *Selector) Persona(id string) *Persona {
	return s.personas[id]
}

// Select applies the switch rules in order and records the decision.
// currentPersonaID may be empty on the first turn of a conversation.
func (s *Selector) Select(ctx context.Context, message string, history []*models.Message, profile Profile, currentPersonaID string) Decision {
	length := len(history)
	firstTurn := length == 0

	current := currentPersonaID
	if current == "" {
		current = s.defaultID
	}

	d := Decision{
		PreviousPersonaID:  currentPersonaID,
		ConversationLength: length,
		DecidedAt:          time.Now(),
	}

	// Rule 1: explicit switch phrase. The only rule allowed on turn one.
	if id, ok := s.explicitRequest(message); ok {
		d.PersonaID = id
		d.Reason = ReasonExplicitRequest
		s.record(ctx, d)
		return d
	}

	if firstTurn {
		d.PersonaID = current
		d.Reason = ReasonRetained
		if currentPersonaID == "" {
			d.Reason = ReasonDefault
		}
		s.record(ctx, d)
		return d
	}

	// Rule 2: topic dominance over the trailing window.
	if id, topics, ok := s.dominantTopic(message, history); ok && id != current {
		d.PersonaID = id
		d.Reason = ReasonTopicDominance
		d.Topics = topics
		s.record(ctx, d)
		return d
	}

	// Rule 3: incomplete profile steers toward the identity consultant.
	if profile.Completeness < 0.5 && !IsSimpleGreeting(message) && length >= 3 {
		if _, ok := s.personas[PersonaIdentityConsultant]; ok && current != PersonaIdentityConsultant {
			d.PersonaID = PersonaIdentityConsultant
			d.Reason = ReasonIncompleteProfile
			s.record(ctx, d)
			return d
		}
	}

	// Rule 4: open business-health issue picks the first issue's persona.
	if len(profile.BusinessIssues) > 0 {
		if id, ok := s.personaForIssue(profile.BusinessIssues[0]); ok && id != current {
			d.PersonaID = id
			d.Reason = ReasonBusinessIssue
			s.record(ctx, d)
			return d
		}
	}

	// Rule 5: keep the current persona, falling back to the default.
	if _, ok := s.personas[current]; !ok {
		current = s.defaultID
	}
	d.PersonaID = current
	d.Reason = ReasonRetained
	if currentPersonaID == "" {
		d.Reason = ReasonDefault
	}
	s.record(ctx, d)
	return d
}

// explicitRequest matches "switch to X" style phrases against persona
// keyword families.
func (s *Selector) explicitRequest(message string) (string, bool) {
	lower := strings.ToLower(message)
	for _, phrase := range switchPhrases {
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			continue
		}
		rest := lower[idx+len(phrase):]
		for id, p := range s.personas {
			for _, kw := range p.Keywords {
				if strings.Contains(rest, kw) {
					return id, true
				}
			}
			if strings.Contains(rest, strings.ToLower(p.Focus)) || strings.Contains(rest, strings.ToLower(p.Name)) {
				return id, true
			}
		}
	}
	return "", false
}

// dominantTopic scans the last topicWindow messages plus the incoming one for
// a persona keyword family mentioned in at least topicDominanceThreshold of
// them.
func (s *Selector) dominantTopic(message string, history []*models.Message) (string, []string, bool) {
	window := make([]string, 0, topicWindow+1)
	start := len(history) - topicWindow
	if start < 0 {
		start = 0
	}
	for _, m := range history[start:] {
		if m.Role == models.RoleUser || m.Role == models.RoleAssistant {
			window = append(window, strings.ToLower(m.Content))
		}
	}
	window = append(window, strings.ToLower(message))

	bestID := ""
	bestCount := 0
	var bestTopics []string
	for id, p := range s.personas {
		count := 0
		var hits []string
		for _, text := range window {
			matched := false
			for _, kw := range p.Keywords {
				if strings.Contains(text, kw) {
					matched = true
					if !containsString(hits, kw) {
						hits = append(hits, kw)
					}
				}
			}
			if matched {
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			bestID = id
			bestTopics = hits
		}
	}
	if bestCount >= topicDominanceThreshold {
		return bestID, bestTopics, true
	}
	return "", nil, false
}

// personaForIssue maps a business-health issue category onto a persona by
// focus area.
func (s *Selector) personaForIssue(category string) (string, bool) {
	lower := strings.ToLower(category)
	for id, p := range s.personas {
		if strings.EqualFold(p.Focus, lower) {
			return id, true
		}
		for _, kw := range p.Keywords {
			if kw == lower {
				return id, true
			}
		}
	}
	return "", false
}

// record appends the decision to the audit ring and logs switches.
func (s *Selector) record(ctx context.Context, d Decision) {
	s.mu.Lock()
	s.audit[s.next] = d
	s.next = (s.next + 1) % auditSize
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()

	if d.PreviousPersonaID != "" && d.PersonaID != d.PreviousPersonaID && s.logger != nil {
		s.logger.Info(ctx, "persona switch",
			"from", d.PreviousPersonaID,
			"to", d.PersonaID,
			"reason", d.Reason,
			"conversation_length", d.ConversationLength,
			"topics", strings.Join(d.Topics, ","))
	}
}

// RecentDecisions returns the audit trail, oldest first.
func (s *Selector) RecentDecisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.full {
		out := make([]Decision, s.next)
		copy(out, s.audit[:s.next])
		return out
	}
	out := make([]Decision, 0, auditSize)
	out = append(out, s.audit[s.next:]...)
	out = append(out, s.audit[:s.next]...)
	return out
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
