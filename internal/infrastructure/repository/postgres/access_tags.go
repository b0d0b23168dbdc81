package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

// AccessTagStore reads authoritative access tags. Solutions resolve to
// the tags of their owning entry inside the view.
type AccessTagStore struct {
	db *sql.DB
}

func NewAccessTagStore(db *sql.DB) *AccessTagStore {
	return &AccessTagStore{db: db}
}

func (s *AccessTagStore) AccessTags(ctx context.Context, id string) ([]string, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
SELECT access_tags
FROM kb_access_tags
WHERE reference_id = $1
`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "access tags", fmt.Errorf("reference %s", id))
		}
		return nil, fmt.Errorf("query access tags: %w", err)
	}

	tags := []string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &tags); err != nil {
			return nil, fmt.Errorf("unmarshal access tags: %w", err)
		}
	}
	return tags, nil
}
