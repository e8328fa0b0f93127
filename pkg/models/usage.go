package models

import "time"

// Sensitivity constrains which providers may serve a request.
type Sensitivity string

const (
	// SensitivityPublic permits any enabled provider.
	SensitivityPublic Sensitivity = "public"

	// SensitivityInternal prefers the lowest-cost capable provider.
	SensitivityInternal Sensitivity = "internal"

	// SensitivityRestricted forces the self-hosted runtime; data never
	// leaves the tenant.
	SensitivityRestricted Sensitivity = "restricted"
)

// TaskRole describes what kind of generation a request needs.
type TaskRole string

const (
	TaskChat      TaskRole = "chat"
	TaskDraft     TaskRole = "draft"
	TaskAnalysis  TaskRole = "analysis"
	TaskEmbedding TaskRole = "embedding"
)

// ProviderUsage is one append-only accounting row per provider call.
type ProviderUsage struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	TaskType     TaskRole       `json:"task_type"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	Cost         float64        `json:"cost"`
	LatencyMS    int64          `json:"latency_ms"`
	Success      bool           `json:"success"`
	RequestID    string         `json:"request_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TotalTokens returns input plus output tokens.
func (u *ProviderUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// UsageBudget is the hard spend limit for (OrgID, Provider, BudgetType).
type UsageBudget struct {
	OrgID        string    `json:"org_id"`
	Provider     string    `json:"provider"`
	BudgetType   string    `json:"budget_type"`
	IsActive     bool      `json:"is_active"`
	BudgetAmount float64   `json:"budget_amount"`
	CurrentSpend float64   `json:"current_spend"`
	ResetDate    time.Time `json:"reset_date"`
}

// Exhausted reports whether the budget blocks further spend.
func (b *UsageBudget) Exhausted() bool {
	return b.IsActive && b.BudgetAmount > 0 && b.CurrentSpend >= b.BudgetAmount
}

// ProviderCredit tracks a provider's remaining balance. One row per provider.
type ProviderCredit struct {
	Provider     string    `json:"provider"`
	Balance      float64   `json:"balance"`
	QuotaResetAt time.Time `json:"quota_reset_at"`
}
