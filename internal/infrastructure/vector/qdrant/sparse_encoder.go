package qdrant

import (
	"hash/fnv"
	"math"
	"slices"
	"strings"
	"unicode"
)

type sparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

const (
	queryBM25K     = 1.2
	maxSparseTerms = 256

	// Error codes such as KE-0042 or ORA-00054 are the most selective terms
	// an operator types, so they outweigh plain words.
	codeTermWeight = 2.0
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "after": {}, "at": {}, "by": {},
	"for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {},
	"or": {}, "the": {}, "to": {}, "was": {}, "when": {}, "with": {},
}

func encodeSparseQuery(query string) sparseVector {
	termFreq := make(map[uint32]float64, 32)
	for _, term := range tokenizeIncident(query) {
		termFreq[hashToken(term.text)] += term.weight
	}
	return termFreqToSparse(termFreq, queryBM25K)
}

type weightedTerm struct {
	text   string
	weight float64
}

// tokenizeIncident lowercases the text and splits it into letter/digit runs.
// A run joined by '-', '_' or '.' that carries a digit is also kept whole.
func tokenizeIncident(s string) []weightedTerm {
	var out []weightedTerm
	for _, compound := range strings.FieldsFunc(strings.ToLower(s), isCompoundBreak) {
		parts := strings.FieldsFunc(compound, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, part := range parts {
			if _, stop := stopwords[part]; stop {
				continue
			}
			out = append(out, weightedTerm{text: part, weight: 1})
		}
		if len(parts) > 1 && strings.IndexFunc(compound, unicode.IsDigit) >= 0 {
			out = append(out, weightedTerm{text: strings.Join(parts, "-"), weight: codeTermWeight})
		}
	}
	return out
}

func isCompoundBreak(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return false
	}
	return r != '-' && r != '_' && r != '.'
}

func termFreqToSparse(tf map[uint32]float64, k float64) sparseVector {
	if len(tf) == 0 {
		return sparseVector{}
	}
	indices := make([]uint32, 0, len(tf))
	for idx := range tf {
		indices = append(indices, idx)
	}
	slices.Sort(indices)
	if len(indices) > maxSparseTerms {
		indices = indices[:maxSparseTerms]
	}

	values := make([]float32, 0, len(indices))
	for _, idx := range indices {
		freq := tf[idx]
		weight := (freq * (k + 1.0)) / (freq + k)
		if math.IsNaN(weight) || math.IsInf(weight, 0) {
			weight = 0
		}
		values = append(values, float32(weight))
	}
	return sparseVector{Indices: indices, Values: values}
}

func hashToken(token string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	if sum := h.Sum32(); sum != 0 {
		return sum
	}
	return 1
}
