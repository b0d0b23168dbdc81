package tagcache

import (
	"context"
	"slices"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
)

// Store caches access tags in front of the authoritative store. Unknown
// references are cached too; lookup failures never are, so the policy
// engine keeps failing closed until the backend recovers.
type Store struct {
	next  ports.AccessTagStore
	cache *gocache.Cache
}

type entry struct {
	tags    []string
	missing bool
}

func New(next ports.AccessTagStore, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Store{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (s *Store) AccessTags(ctx context.Context, id string) ([]string, error) {
	if cached, ok := s.cache.Get(id); ok {
		e := cached.(entry)
		if e.missing {
			return nil, domain.WrapError(domain.ErrNotFound, "access tags", errUnknownReference(id))
		}
		return slices.Clone(e.tags), nil
	}

	tags, err := s.next.AccessTags(ctx, id)
	switch {
	case domain.IsKind(err, domain.ErrNotFound):
		s.cache.SetDefault(id, entry{missing: true})
		return nil, err
	case err != nil:
		return nil, err
	}
	s.cache.SetDefault(id, entry{tags: slices.Clone(tags)})
	return tags, nil
}

type errUnknownReference string

func (e errUnknownReference) Error() string {
	return "reference " + string(e)
}
