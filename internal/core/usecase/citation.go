package usecase

import (
	"regexp"
	"strings"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

var (
	citationGroupPattern = regexp.MustCompile(`\[([^\[\]\n]{0,512})\](\()?`)
	citationIDPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]{0,127}$`)
	spaceBeforePunct     = regexp.MustCompile(`[ \t]+([.,;:!?])`)
	repeatedBlanks       = regexp.MustCompile(`[ \t]{2,}`)
)

type CitationResult struct {
	Text      string
	Citations []domain.Citation
	// Stripped lists removed tokens in order of appearance.
	Stripped []string
}

func (r CitationResult) Verified() bool {
	return len(r.Citations) > 0
}

// CitationValidator keeps only citation tokens that name an evidence item
// supplied to the model.
type CitationValidator struct{}

func NewCitationValidator() CitationValidator {
	return CitationValidator{}
}

func (CitationValidator) Validate(text string, evidence []domain.Evidence) CitationResult {
	ranks := make(map[string]int, len(evidence))
	for _, item := range evidence {
		ranks[item.ID] = item.Rank
	}

	result := CitationResult{}
	seen := make(map[string]struct{}, len(evidence))

	cleaned := citationGroupPattern.ReplaceAllStringFunc(text, func(group string) string {
		if strings.HasSuffix(group, "(") {
			return group
		}

		parts, ok := splitCitationGroup(group)
		if !ok {
			return group
		}

		kept := make([]string, 0, len(parts))
		for _, part := range parts {
			rank, known := ranks[part]
			if !known || !citationIDPattern.MatchString(part) {
				result.Stripped = append(result.Stripped, describeStripped(part))
				continue
			}
			kept = append(kept, part)
			if _, dup := seen[part]; dup {
				continue
			}
			seen[part] = struct{}{}
			result.Citations = append(result.Citations, domain.Citation{
				Marker:       "[" + part + "]",
				EvidenceID:   part,
				EvidenceRank: rank,
			})
		}

		if len(kept) == 0 {
			return ""
		}
		return "[" + strings.Join(kept, ", ") + "]"
	})

	if len(result.Stripped) > 0 {
		cleaned = spaceBeforePunct.ReplaceAllString(cleaned, "$1")
		cleaned = repeatedBlanks.ReplaceAllString(cleaned, " ")
	}
	result.Text = strings.TrimSpace(cleaned)
	return result
}

// splitCitationGroup reports whether a bracket group is a citation: at
// least one comma separated part must look like an identifier and no part
// may contain inner whitespace.
func splitCitationGroup(group string) ([]string, bool) {
	inner := strings.TrimSuffix(strings.TrimPrefix(group, "["), "]")
	rawParts := strings.Split(inner, ",")

	parts := make([]string, 0, len(rawParts))
	idLike := 0
	for _, raw := range rawParts {
		part := strings.TrimSpace(raw)
		if strings.ContainsAny(part, " \t") {
			return nil, false
		}
		if citationIDPattern.MatchString(part) {
			idLike++
		}
		parts = append(parts, part)
	}
	if idLike == 0 {
		return nil, false
	}
	return parts, true
}

func describeStripped(part string) string {
	if part == "" {
		return "[]"
	}
	return "[" + part + "]"
}
