package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/resilience"
)

const publishedState = "published"

type Options struct {
	HTTPTimeout        time.Duration
	DenseVector        string
	SparseVector       string
	ResilienceExecutor *resilience.Executor
}

// Client reads the KEDB collection. Points carry the entry identifier,
// display fields, severity, access tags and the workflow state; only
// published points are ever returned.
type Client struct {
	baseURL      string
	collection   string
	denseVector  string
	sparseVector string
	httpClient   *http.Client
	executor     *resilience.Executor
}

func New(baseURL, collection string) *Client {
	return NewWithOptions(baseURL, collection, Options{})
}

func NewWithOptions(baseURL, collection string, opts Options) *Client {
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dense := strings.TrimSpace(opts.DenseVector)
	if dense == "" {
		dense = "dense"
	}
	sparse := strings.TrimSpace(opts.SparseVector)
	if sparse == "" {
		sparse = "lexical"
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		collection:   collection,
		denseVector:  dense,
		sparseVector: sparse,
		httpClient:   &http.Client{Timeout: timeout},
		executor:     opts.ResilienceExecutor,
	}
}

type scoredPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Nearest runs dense vector search for the semantic channel.
func (c *Client) Nearest(ctx context.Context, vector []float32, k int, filters domain.Filters) ([]domain.Candidate, error) {
	reqBody := map[string]any{
		"vector": map[string]any{
			"name":   c.denseVector,
			"vector": vector,
		},
		"limit":        k,
		"with_payload": true,
		"filter":       buildFilter(filters),
	}

	var searchResp struct {
		Result []scoredPoint `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if err := c.post(ctx, "qdrant.search", path, reqBody, &searchResp); err != nil {
		return nil, err
	}
	return toCandidates(searchResp.Result), nil
}

// Search runs sparse keyword search for the lexical channel.
func (c *Client) Search(ctx context.Context, text string, k int, filters domain.Filters) ([]domain.Candidate, error) {
	sparse := encodeSparseQuery(text)
	if len(sparse.Indices) == 0 {
		return []domain.Candidate{}, nil
	}

	reqBody := map[string]any{
		"query":        sparse,
		"using":        c.sparseVector,
		"limit":        k,
		"with_payload": true,
		"filter":       buildFilter(filters),
	}

	var queryResp struct {
		Result struct {
			Points []scoredPoint `json:"points"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/query", c.collection)
	if err := c.post(ctx, "qdrant.query", path, reqBody, &queryResp); err != nil {
		return nil, err
	}
	return toCandidates(queryResp.Result.Points), nil
}

func (c *Client) post(ctx context.Context, operation, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", operation, err)
	}

	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &StatusError{Operation: operation, StatusCode: resp.StatusCode, Status: resp.Status, Body: string(msg)}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.WrapError(domain.ErrMalformedResponse, "decode "+operation+" response", err)
		}
		return nil
	}

	if c.executor == nil {
		err = call(ctx)
	} else {
		err = c.executor.Execute(ctx, operation, call, classifyQdrantError)
	}
	return resilience.WrapTemporary(operation, err, classifyQdrantError)
}

func buildFilter(filters domain.Filters) map[string]any {
	must := []map[string]any{
		{"key": "workflow_state", "match": map[string]any{"value": publishedState}},
	}
	if len(filters.Severities) > 0 {
		must = append(must, map[string]any{
			"key":   "severity",
			"match": map[string]any{"any": filters.Severities},
		})
	}
	for _, tag := range filters.Tags {
		must = append(must, map[string]any{
			"key":   "tags",
			"match": map[string]any{"value": tag},
		})
	}
	if filters.From != nil || filters.To != nil {
		bounds := map[string]any{}
		if filters.From != nil {
			bounds["gte"] = filters.From.Unix()
		}
		if filters.To != nil {
			bounds["lte"] = filters.To.Unix()
		}
		must = append(must, map[string]any{"key": "created_at_unix", "range": bounds})
	}
	return map[string]any{"must": must}
}

func toCandidates(points []scoredPoint) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(points))
	for _, p := range points {
		id := getStringPayload(p.Payload, "id")
		if id == "" && p.ID != nil {
			id = fmt.Sprintf("%v", p.ID)
		}
		out = append(out, domain.Candidate{
			ID:         id,
			EntryID:    getStringPayload(p.Payload, "entry_id"),
			Kind:       domain.ReferenceKind(getStringPayload(p.Payload, "kind")),
			RawScore:   p.Score,
			Title:      getStringPayload(p.Payload, "title"),
			Snippet:    getStringPayload(p.Payload, "snippet"),
			Severity:   getStringPayload(p.Payload, "severity"),
			AccessTags: getStringSlicePayload(p.Payload, "access_tags"),
		})
	}
	return out
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getStringSlicePayload(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
