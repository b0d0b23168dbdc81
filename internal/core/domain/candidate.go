package domain

// Channel identifies a retrieval channel. The set is closed.
type Channel string

const (
	ChannelSemantic Channel = "semantic"
	ChannelLexical  Channel = "lexical"
)

// ReferenceKind tells whether a candidate points at an entry or a solution.
type ReferenceKind string

const (
	KindEntry    ReferenceKind = "entry"
	KindSolution ReferenceKind = "solution"
)

// Candidate is one retrieval result before fusion.
type Candidate struct {
	ID              string        `json:"id"`
	EntryID         string        `json:"entry_id"`
	Kind            ReferenceKind `json:"kind"`
	Channel         Channel       `json:"channel"`
	RawScore        float64       `json:"raw_score"`
	NormalizedScore float64       `json:"normalized_score"`
	Rank            int           `json:"rank"`
	Title           string        `json:"title,omitempty"`
	Snippet         string        `json:"snippet,omitempty"`
	Severity        string        `json:"severity,omitempty"`
	AccessTags      []string      `json:"access_tags,omitempty"`
}

// ChannelHit is a candidate's standing within one channel.
type ChannelHit struct {
	Rank            int     `json:"rank"`
	RawScore        float64 `json:"raw_score"`
	NormalizedScore float64 `json:"normalized_score"`
}

// FusedCandidate merges the same identifier across channels.
type FusedCandidate struct {
	ID         string        `json:"id"`
	EntryID    string        `json:"entry_id"`
	Kind       ReferenceKind `json:"kind"`
	Title      string        `json:"title,omitempty"`
	Snippet    string        `json:"snippet,omitempty"`
	Severity   string        `json:"severity,omitempty"`
	AccessTags []string      `json:"access_tags,omitempty"`

	Semantic *ChannelHit `json:"semantic,omitempty"`
	Lexical  *ChannelHit `json:"lexical,omitempty"`

	FusedScore  float64  `json:"fused_score"`
	FusedRank   int      `json:"fused_rank"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

func (c FusedCandidate) InBothChannels() bool {
	return c.Semantic != nil && c.Lexical != nil
}

func (c FusedCandidate) Channels() []Channel {
	out := make([]Channel, 0, 2)
	if c.Semantic != nil {
		out = append(out, ChannelSemantic)
	}
	if c.Lexical != nil {
		out = append(out, ChannelLexical)
	}
	return out
}

// Hit returns the candidate's standing in the given channel, or nil.
func (c FusedCandidate) Hit(channel Channel) *ChannelHit {
	switch channel {
	case ChannelSemantic:
		return c.Semantic
	case ChannelLexical:
		return c.Lexical
	default:
		return nil
	}
}

// FusedResult is the deduplicated, normalized ranking produced by fusion.
type FusedResult struct {
	Candidates []FusedCandidate
	// Total counts unique identifiers before truncation to top-M.
	Total int
}
