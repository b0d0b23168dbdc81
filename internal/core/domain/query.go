package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Severity levels used by knowledge-base entries.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

var knownSeverities = []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

func IsKnownSeverity(s string) bool {
	return slices.Contains(knownSeverities, s)
}

// Caller is the authenticated identity a query runs on behalf of.
type Caller struct {
	ID           string   `json:"id"`
	Roles        []string `json:"roles"`
	Entitlements []string `json:"entitlements,omitempty"`
}

func (c Caller) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Filters narrows both retrieval channels. Empty fields do not constrain.
// Tags must all be present on a candidate.
type Filters struct {
	Severities []string   `json:"severities,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
}

func (f Filters) IsZero() bool {
	return len(f.Severities) == 0 && len(f.Tags) == 0 && f.From == nil && f.To == nil
}

// Query is immutable once submitted; stages receive it by value.
type Query struct {
	Text    string  `json:"text"`
	Caller  Caller  `json:"caller"`
	Filters Filters `json:"filters"`
	K       int     `json:"k"`
}

// NewQuery normalizes and validates a submitted query. K falls back to
// defaultK and is capped at maxK.
func NewQuery(text string, caller Caller, filters Filters, k, defaultK, maxK int) (Query, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Query{}, WrapError(ErrInvalidInput, "new query", fmt.Errorf("query text is required"))
	}
	if strings.TrimSpace(caller.ID) == "" {
		return Query{}, WrapError(ErrUnauthorized, "new query", fmt.Errorf("caller identity is required"))
	}
	if k < 0 {
		return Query{}, WrapError(ErrInvalidInput, "new query", fmt.Errorf("k must not be negative"))
	}
	if k == 0 {
		k = defaultK
	}
	if maxK > 0 && k > maxK {
		k = maxK
	}
	if k <= 0 {
		k = 1
	}
	for _, s := range filters.Severities {
		if !IsKnownSeverity(s) {
			return Query{}, WrapError(ErrInvalidInput, "new query", fmt.Errorf("unknown severity %q", s))
		}
	}
	if filters.From != nil && filters.To != nil && filters.To.Before(*filters.From) {
		return Query{}, WrapError(ErrInvalidInput, "new query", fmt.Errorf("date range end precedes start"))
	}

	return Query{
		Text: text,
		Caller: Caller{
			ID:           caller.ID,
			Roles:        slices.Clone(caller.Roles),
			Entitlements: slices.Clone(caller.Entitlements),
		},
		Filters: Filters{
			Severities: slices.Clone(filters.Severities),
			Tags:       slices.Clone(filters.Tags),
			From:       cloneTime(filters.From),
			To:         cloneTime(filters.To),
		},
		K: k,
	}, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
