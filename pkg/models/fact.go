package models

import (
	"encoding/json"
	"sort"
	"time"
)

// SubjectType scopes a knowledge fact to its owner kind.
type SubjectType string

const (
	SubjectUser   SubjectType = "user"
	SubjectAgent  SubjectType = "agent"
	SubjectShared SubjectType = "shared"
)

// Horizon describes how transient a knowledge fact is.
type Horizon string

const (
	HorizonShort  Horizon = "short"
	HorizonMedium Horizon = "medium"
	HorizonLong   Horizon = "long"
)

// Priority orders horizons for context assembly: short-horizon facts are the
// most specific to the current turn, long-horizon is baseline.
func (h Horizon) Priority() int {
	switch h {
	case HorizonShort:
		return 0
	case HorizonMedium:
		return 1
	case HorizonLong:
		return 2
	default:
		return 3
	}
}

// FactStatus is the lifecycle state of a knowledge fact.
type FactStatus string

const (
	FactActive  FactStatus = "active"
	FactStale   FactStatus = "stale"
	FactRevoked FactStatus = "revoked"
)

// DefaultShortTTL is applied to short-horizon facts when no TTL is given.
const DefaultShortTTL = 24 * time.Hour

// KnowledgeFact is one horizon-scoped fact about a subject. The tuple
// (SubjectType, SubjectID, Horizon, Domain, FactKey) is the uniqueness key;
// upserts on that key replace the value but preserve CreatedAt.
type KnowledgeFact struct {
	ID          string          `json:"id"`
	SubjectType SubjectType     `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	Horizon     Horizon         `json:"horizon"`
	Domain      string          `json:"domain"`
	FactKey     string          `json:"fact_key"`
	FactValue   json.RawMessage `json:"fact_value"`
	TTLSeconds  int64           `json:"ttl_seconds,omitempty"`
	Status      FactStatus      `json:"status"`
	Confidence  float64         `json:"confidence"`
	Tags        []string        `json:"tags,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Key returns the composite uniqueness key for the fact.
func (f *KnowledgeFact) Key() string {
	return string(f.SubjectType) + "|" + f.SubjectID + "|" + string(f.Horizon) + "|" + f.Domain + "|" + f.FactKey
}

// Expired reports whether the fact's TTL has elapsed past UpdatedAt. Expired
// facts are treated as stale by the assembler even while Status is active.
func (f *KnowledgeFact) Expired(now time.Time) bool {
	if f.TTLSeconds <= 0 {
		return false
	}
	return now.After(f.UpdatedAt.Add(time.Duration(f.TTLSeconds) * time.Second))
}

// NormalizeTags sorts the tag set and drops duplicates and empty entries.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ClampConfidence bounds a confidence score to [0, 1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
