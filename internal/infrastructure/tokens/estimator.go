package tokens

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts prompt tokens when the model backend does not report
// usage. Without a loadable encoding it falls back to four bytes per token.
type Estimator struct {
	encoding *tiktoken.Tiktoken
}

func NewEstimator(model string) *Estimator {
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Warn("token_encoding_unavailable", "model", model, "error", err)
		return &Estimator{}
	}
	return &Estimator{encoding: encoding}
}

func (e *Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if e == nil || e.encoding == nil {
		return fallbackCount(text)
	}
	return len(e.encoding.Encode(text, nil, nil))
}

func fallbackCount(text string) int {
	return (len(text) + 3) / 4
}
