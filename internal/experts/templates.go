package experts

import (
	"fmt"
	"strconv"
	"strings"
)

// TriggerCondition is one declarative scoring rule evaluated against the
// request context dictionary.
type TriggerCondition struct {
	// Field names the context key to inspect.
	Field string `yaml:"field" json:"field"`

	// Operator is one of <, >, =, includes.
	Operator string `yaml:"operator" json:"operator"`

	// Value is the comparison operand. Numeric comparisons parse both
	// sides as floats; includes does a case-insensitive substring match.
	Value string `yaml:"value" json:"value"`
}

// PromptTemplate is a scored, conditionally-triggered prompt bound to one
// persona.
type PromptTemplate struct {
	ExpertID    string             `yaml:"expert_id" json:"expert_id"`
	PromptName  string             `yaml:"prompt_name" json:"prompt_name"`
	PromptType  string             `yaml:"prompt_type" json:"prompt_type"`
	Priority    int                `yaml:"priority" json:"priority"`
	SuccessRate float64            `yaml:"success_rate" json:"success_rate"`
	Triggers    []TriggerCondition `yaml:"triggers" json:"triggers"`
	PromptText  string             `yaml:"prompt_text" json:"prompt_text"`
	IsActive    bool               `yaml:"is_active" json:"is_active"`
}

// PromptTypeSpecificTask marks templates for a concrete guided task; they get
// a bonus while the profile is still being filled in.
const PromptTypeSpecificTask = "specific_task"

// Scoring weights.
const (
	priorityWeight      = 10
	triggerMatchBonus   = 50
	successRateBonus    = 20
	successRateFloor    = 0.8
	specificTaskBonus   = 30
	specificTaskCeiling = 0.7
)

// Score computes the template's score against the context dictionary.
func (t *PromptTemplate) Score(contextDict map[string]any, profileCompleteness float64) int {
	score := t.Priority * priorityWeight
	for _, trigger := range t.Triggers {
		if trigger.Matches(contextDict) {
			score += triggerMatchBonus
		}
	}
	if t.SuccessRate > successRateFloor {
		score += successRateBonus
	}
	if t.PromptType == PromptTypeSpecificTask && profileCompleteness < specificTaskCeiling {
		score += specificTaskBonus
	}
	return score
}

// Matches evaluates one trigger condition. Unknown fields and unparseable
// operands never match.
func (c *TriggerCondition) Matches(contextDict map[string]any) bool {
	raw, ok := contextDict[c.Field]
	if !ok {
		return false
	}
	switch c.Operator {
	case "<", ">":
		left, lok := toFloat(raw)
		right, rerr := strconv.ParseFloat(c.Value, 64)
		if !lok || rerr != nil {
			return false
		}
		if c.Operator == "<" {
			return left < right
		}
		return left > right
	case "=":
		return strings.EqualFold(fmt.Sprintf("%v", raw), c.Value)
	case "includes":
		return strings.Contains(strings.ToLower(fmt.Sprintf("%v", raw)), strings.ToLower(c.Value))
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// SelectTemplate picks the highest-scoring active template for the persona.
// Ties break by success rate, then priority. Returns nil when the persona has
// no active templates; callers fall back to the persona base prompt.
func SelectTemplate(templates []*PromptTemplate, personaID string, contextDict map[string]any, profileCompleteness float64) *PromptTemplate {
	var best *PromptTemplate
	bestScore := -1
	for _, t := range templates {
		if !t.IsActive || t.ExpertID != personaID {
			continue
		}
		score := t.Score(contextDict, profileCompleteness)
		switch {
		case score > bestScore:
			best, bestScore = t, score
		case score == bestScore && best != nil:
			if t.SuccessRate > best.SuccessRate ||
				(t.SuccessRate == best.SuccessRate && t.Priority > best.Priority) {
				best = t
			}
		}
	}
	return best
}

// DefaultTemplates is the built-in template set. Every default persona
// carries at least one active template; specific-task variants take over
// while the profile is still sparse. Callers may extend the slice before
// handing it to the orchestrator.
func DefaultTemplates() []*PromptTemplate {
	return []*PromptTemplate{
		{
			ExpertID:    PersonaExecutiveAssistant,
			PromptName:  "coordination-default",
			PromptType:  "general",
			Priority:    5,
			SuccessRate: 0.9,
			Triggers: []TriggerCondition{
				{Field: "intent", Operator: "=", Value: "coordination"},
			},
			PromptText: "You are a sharp, proactive executive assistant. Start from whatever the user is juggling right now: surface today's commitments, flag conflicts, and propose the next concrete step before asking anything new.",
			IsActive:   true,
		},
		{
			ExpertID:    PersonaExecutiveAssistant,
			PromptName:  "inbox-triage",
			PromptType:  PromptTypeSpecificTask,
			Priority:    4,
			SuccessRate: 0.85,
			Triggers: []TriggerCondition{
				{Field: "message", Operator: "includes", Value: "email"},
				{Field: "message", Operator: "includes", Value: "inbox"},
			},
			PromptText: "You are an executive assistant triaging email. Group what the user describes into reply-now, delegate, and ignore; draft the reply-now responses in the user's voice and keep each under five sentences.",
			IsActive:   true,
		},
		{
			ExpertID:    PersonaIdentityConsultant,
			PromptName:  "identity-discovery",
			PromptType:  PromptTypeSpecificTask,
			Priority:    6,
			SuccessRate: 0.82,
			Triggers: []TriggerCondition{
				{Field: "profile_completeness", Operator: "<", Value: "0.7"},
			},
			PromptText: "You are a brand and business identity consultant running a discovery session. Work out who the business serves and what it promises them, one question at a time, and restate what you have learned before moving on.",
			IsActive:   true,
		},
		{
			ExpertID:    PersonaIdentityConsultant,
			PromptName:  "identity-refinement",
			PromptType:  "general",
			Priority:    4,
			SuccessRate: 0.88,
			Triggers: []TriggerCondition{
				{Field: "intent", Operator: "=", Value: "identity"},
			},
			PromptText: "You are a brand and business identity consultant. The fundamentals are established; pressure-test positioning and messaging against the audience the user has already described.",
			IsActive:   true,
		},
		{
			ExpertID:    PersonaFinanceAdvisor,
			PromptName:  "finance-default",
			PromptType:  "general",
			Priority:    5,
			SuccessRate: 0.9,
			Triggers: []TriggerCondition{
				{Field: "intent", Operator: "=", Value: "finance"},
			},
			PromptText: "You are a pragmatic small-business finance advisor. Anchor every recommendation in the numbers the user gives you, show the arithmetic, and name the assumption when a figure is missing.",
			IsActive:   true,
		},
		{
			ExpertID:    PersonaMarketingStrategist,
			PromptName:  "marketing-default",
			PromptType:  "general",
			Priority:    5,
			SuccessRate: 0.87,
			Triggers: []TriggerCondition{
				{Field: "intent", Operator: "=", Value: "marketing"},
			},
			PromptText: "You are a hands-on marketing strategist for small businesses. Turn ideas into a concrete plan with channels, cadence, and a first deliverable the user can ship this week.",
			IsActive:   true,
		},
		{
			ExpertID:    PersonaOperationsAdvisor,
			PromptName:  "operations-default",
			PromptType:  "general",
			Priority:    5,
			SuccessRate: 0.86,
			Triggers: []TriggerCondition{
				{Field: "intent", Operator: "=", Value: "operations"},
			},
			PromptText: "You are an operations advisor. Map the current process before proposing changes, then suggest the single highest-leverage fix and how to verify it worked.",
			IsActive:   true,
		},
	}
}

// pacingRules is the fixed conversation-pacing block appended to every
// assembled system prompt.
const pacingRules = `Conversation pacing rules:
- Ask one question at a time and wait for the answer.
- Acknowledge what the user said before moving on.
- Be concise; prefer short paragraphs and bullet points over walls of text.`

// BuildSystemPrompt assembles the final system prompt: selected template text
// (or the persona base), the pacing rules, the rendered context block, and
// the persona tail.
func BuildSystemPrompt(persona *Persona, template *PromptTemplate, contextText string) string {
	var sb strings.Builder

	if template != nil && template.PromptText != "" {
		sb.WriteString(template.PromptText)
	} else {
		sb.WriteString(persona.Base)
	}
	sb.WriteString("\n\n")
	sb.WriteString(pacingRules)

	if contextText != "" {
		sb.WriteString("\n\n")
		sb.WriteString(contextText)
	}
	if persona.Tail != "" {
		sb.WriteString("\n\n")
		sb.WriteString(persona.Tail)
	}
	return sb.String()
}
