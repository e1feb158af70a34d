// Package profile implements the bio-link application on top of the sync
// manager: profiles, their links, view and click counters, and sharing.
package profile

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mmcdole/biolink/internal/datasync"
	"github.com/mmcdole/biolink/internal/domain"
)

// DefaultTheme is applied to new profiles that do not pick one
const DefaultTheme = "default"

// topLinksLimit caps ProfileAnalytics.TopLinks
const topLinksLimit = 5

// Store is the document API the service needs. *datasync.Manager
// implements it.
type Store interface {
	Get(ctx context.Context, ref domain.Ref, opts datasync.GetOptions) (domain.Document, error)
	Create(ctx context.Context, ref domain.Ref, doc domain.Document, opts datasync.SetOptions) error
	Update(ctx context.Context, ref domain.Ref, fields domain.Document, opts datasync.UpdateOptions) (domain.Document, error)
	Delete(ctx context.Context, ref domain.Ref) error
	Query(ctx context.Context, collection string, filters []domain.Filter, orderBy *domain.OrderBy, limit int) ([]domain.Document, error)
	BatchWrite(ctx context.Context, ops []domain.WriteOp) error
	Increment(ctx context.Context, ref domain.Ref, field string, delta float64) error
	Subscribe(ref domain.Ref, cb datasync.Callback) (unsubscribe func())
}

// Config holds service settings
type Config struct {
	// BaseURL prefixes public profile links, e.g. https://bio.link
	BaseURL string
}

// Service manages profiles, links and analytics
type Service struct {
	store   Store
	baseURL string
	newID   func() string
	logger  *slog.Logger
}

// NewService creates a new profile service.
func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		baseURL: cfg.BaseURL,
		newID:   uuid.NewString,
		logger:  logger,
	}
}

func profileRef(id string) domain.Ref {
	return domain.Ref{Collection: domain.CollectionProfiles, ID: id}
}

func linkRef(id string) domain.Ref {
	return domain.Ref{Collection: domain.CollectionLinks, ID: id}
}

// analyticsRef is the counter document of a profile or link
func analyticsRef(id string) domain.Ref {
	return domain.Ref{Collection: domain.CollectionAnalytics, ID: id}
}

// storedFields encodes an entity for writing. Store-assigned fields are
// left out.
func storedFields(v any) (domain.Document, error) {
	doc, err := domain.EncodeDocument(v)
	if err != nil {
		return nil, err
	}
	delete(doc, domain.FieldID)
	delete(doc, domain.FieldCreatedAt)
	delete(doc, domain.FieldUpdatedAt)
	return doc, nil
}
