// Package experts chooses the assistant persona and system prompt for each
// chat turn: a small state machine over the message, trailing history, and a
// user profile snapshot, plus a declarative trigger table for scoring prompt
// templates.
package experts

import "strings"

// Persona is a named assistant profile.
type Persona struct {
	ID    string
	Name  string
	Base  string
	Style string
	Focus string

	// Keywords bind explicit switch phrases and topic analysis to this
	// persona.
	Keywords []string

	// Tail is appended after the context block in the assembled prompt.
	Tail string
}

// Well-known persona ids.
const (
	PersonaExecutiveAssistant  = "executive-assistant"
	PersonaIdentityConsultant  = "identity-consultant"
	PersonaFinanceAdvisor      = "finance-advisor"
	PersonaMarketingStrategist = "marketing-strategist"
	PersonaOperationsAdvisor   = "operations-advisor"
)

// DefaultPersonas is the built-in persona set. Callers may extend it before
// constructing a Selector.
func DefaultPersonas() []*Persona {
	return []*Persona{
		{
			ID:    PersonaExecutiveAssistant,
			Name:  "Executive Assistant",
			Base:  "You are a sharp, proactive executive assistant. You handle scheduling, email, and day-to-day coordination for a busy founder.",
			Style: "warm, efficient, direct",
			Focus: "coordination",
			Keywords: []string{
				"schedule", "calendar", "meeting", "email", "inbox", "remind", "task", "todo",
			},
		},
		{
			ID:    PersonaIdentityConsultant,
			Name:  "Identity Consultant",
			Base:  "You are a brand and business identity consultant. You help the user articulate who their business is, who it serves, and how it should present itself.",
			Style: "curious, structured",
			Focus: "identity",
			Keywords: []string{
				"brand", "identity", "positioning", "audience", "mission", "values", "logo", "name",
			},
			Tail: "Work through one identity question at a time and summarize what you have learned so far before asking the next.",
		},
		{
			ID:    PersonaFinanceAdvisor,
			Name:  "Finance Advisor",
			Base:  "You are a pragmatic small-business finance advisor. You help with cash flow, pricing, invoicing, and budget questions.",
			Style: "precise, numerate",
			Focus: "finance",
			Keywords: []string{
				"finance", "cash", "cashflow", "invoice", "pricing", "revenue", "budget", "expense", "tax",
			},
		},
		{
			ID:    PersonaMarketingStrategist,
			Name:  "Marketing Strategist",
			Base:  "You are a hands-on marketing strategist for small businesses. You help plan campaigns, content, and customer outreach.",
			Style: "energetic, concrete",
			Focus: "marketing",
			Keywords: []string{
				"marketing", "campaign", "content", "social", "seo", "ads", "newsletter", "outreach", "customers",
			},
		},
		{
			ID:    PersonaOperationsAdvisor,
			Name:  "Operations Advisor",
			Base:  "You are an operations advisor. You help streamline processes, tooling, vendors, and fulfillment.",
			Style: "methodical",
			Focus: "operations",
			Keywords: []string{
				"operations", "process", "workflow", "vendor", "supplier", "inventory", "fulfillment", "tooling",
			},
		},
	}
}

// greetings is the closed token set treated as a simple greeting.
var greetings = map[string]bool{
	"hello": true, "hi": true, "hey": true, "yo": true, "sup": true,
	"hiya": true, "howdy": true, "morning": true, "evening": true,
	"good morning": true, "good afternoon": true, "good evening": true,
	"what's up": true, "whats up": true, "hey there": true, "hi there": true,
}

// greetingPrefixes catches "hi!", "hello :)", "hey, how are you" style
// openers without treating substantive messages as greetings.
var greetingPrefixes = []string{"hi ", "hi,", "hi!", "hello ", "hello,", "hello!", "hey ", "hey,", "hey!"}

// IsSimpleGreeting reports whether the message is a bare greeting.
func IsSimpleGreeting(message string) bool {
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = strings.Trim(normalized, ".!?,:;")
	if greetings[normalized] {
		return true
	}
	if len(normalized) > 30 {
		return false
	}
	for _, prefix := range greetingPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			rest := strings.TrimSpace(normalized[len(prefix):])
			rest = strings.Trim(rest, ".!?,:;")
			if rest == "" || greetings[rest] || strings.HasPrefix(rest, "how are") || strings.HasPrefix(rest, "there") {
				return true
			}
		}
	}
	return false
}
