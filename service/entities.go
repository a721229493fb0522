package service

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/entityauth/EntityKit-sub003/apiclient"
	"github.com/entityauth/EntityKit-sub003/identity"
)

// Entities reads and writes tenant-scoped entities.
type Entities struct {
	api apiclient.Sender
}

// NewEntities constructs the entities service.
func NewEntities(api apiclient.Sender) *Entities {
	return &Entities{api: api}
}

// Get fetches one entity by id.
func (s *Entities) Get(ctx context.Context, id string) (identity.Entity, error) {
	if strings.TrimSpace(id) == "" {
		return identity.Entity{}, identity.Invalid("entities.Get", "id required")
	}
	return apiclient.Do[identity.Entity](ctx, s.api, apiclient.Get("/api/entities/get", url.Values{"id": {id}}))
}

// List returns entities of kind (all kinds when empty), at most limit when positive.
func (s *Entities) List(ctx context.Context, kind string, limit int) ([]identity.Entity, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	res, err := apiclient.Do[entitiesResponse](ctx, s.api, apiclient.Get("/api/entities/list", q))
	if err != nil {
		return nil, err
	}
	return res.Entities, nil
}

// Upsert creates or updates an entity and returns the stored record.
func (s *Entities) Upsert(ctx context.Context, e identity.Entity) (identity.Entity, error) {
	if strings.TrimSpace(e.Kind) == "" {
		return identity.Entity{}, identity.Invalid("entities.Upsert", "kind required")
	}
	return apiclient.Do[identity.Entity](ctx, s.api, apiclient.Post("/api/entities/upsert", e))
}
