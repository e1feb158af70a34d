package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/mmcdole/biolink/internal/datasync"
	"github.com/mmcdole/biolink/internal/domain"
)

// LinkInput describes a new link. Links are active unless IsActive says
// otherwise.
type LinkInput struct {
	Title       string
	URL         string
	Description string
	IsActive    *bool
}

// LinkUpdate changes the non-nil fields of a link
type LinkUpdate struct {
	Title       *string
	URL         *string
	Description *string
	IsActive    *bool
}

func (u LinkUpdate) fields() domain.Document {
	out := domain.Document{}
	if u.Title != nil {
		out["title"] = strings.TrimSpace(*u.Title)
	}
	if u.URL != nil {
		out["url"] = normalizeURL(*u.URL)
	}
	if u.Description != nil {
		out["description"] = *u.Description
	}
	if u.IsActive != nil {
		out["is_active"] = *u.IsActive
	}
	return out
}

var byPosition = &domain.OrderBy{Field: "position"}

// GetLinks returns a profile's links in display order
func (s *Service) GetLinks(ctx context.Context, profileID string) ([]domain.Link, error) {
	return s.queryLinks(ctx, domain.Where("profile_id", domain.OpEqual, profileID))
}

// GetActiveLinks returns the links shown on the public page
func (s *Service) GetActiveLinks(ctx context.Context, profileID string) ([]domain.Link, error) {
	return s.queryLinks(ctx,
		domain.Where("profile_id", domain.OpEqual, profileID),
		domain.Where("is_active", domain.OpEqual, true))
}

func (s *Service) queryLinks(ctx context.Context, filters ...domain.Filter) ([]domain.Link, error) {
	docs, err := s.store.Query(ctx, domain.CollectionLinks, filters, byPosition, 0)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	links := make([]domain.Link, 0, len(docs))
	for _, doc := range docs {
		var l domain.Link
		if err := domain.DecodeDocument(doc, &l); err != nil {
			s.logger.Warn("skipping undecodable link", "id", doc[domain.FieldID], "error", err)
			continue
		}
		links = append(links, l)
	}
	return links, nil
}

// CreateLink appends a link to the end of a profile's list
func (s *Service) CreateLink(ctx context.Context, profileID string, input LinkInput) (*domain.Link, error) {
	l := &domain.Link{
		ID:          s.newID(),
		ProfileID:   profileID,
		Title:       strings.TrimSpace(input.Title),
		URL:         normalizeURL(input.URL),
		Description: input.Description,
		IsActive:    true,
	}
	if input.IsActive != nil {
		l.IsActive = *input.IsActive
	}
	if err := validateStruct(l); err != nil {
		return nil, err
	}

	existing, err := s.GetLinks(ctx, profileID)
	switch {
	case errors.Is(err, domain.ErrUnavailable):
		s.logger.Warn("link position unknown while offline", "profile", profileID)
	case err != nil:
		return nil, err
	}
	for _, e := range existing {
		if e.Position >= l.Position {
			l.Position = e.Position + 1
		}
	}

	doc, err := storedFields(l)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, l.Ref(), doc, datasync.SetOptions{}); err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}
	s.logger.Debug("created link", "id", l.ID, "profile", profileID, "position", l.Position)
	return l, nil
}

// UpdateLink applies upd to a link and returns the local result
func (s *Service) UpdateLink(ctx context.Context, id string, upd LinkUpdate) (*domain.Link, error) {
	doc, err := s.store.Get(ctx, linkRef(id), datasync.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get link %s: %w", id, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("update link %s: %w", id, domain.ErrNotFound)
	}

	fields := upd.fields()
	var next domain.Link
	if err := domain.DecodeDocument(doc.Merge(fields), &next); err != nil {
		return nil, err
	}
	next.ID = id
	if len(fields) == 0 {
		return &next, nil
	}
	if err := validateStruct(&next); err != nil {
		return nil, err
	}

	if _, err := s.store.Update(ctx, linkRef(id), fields, datasync.UpdateOptions{}); err != nil {
		return nil, fmt.Errorf("update link %s: %w", id, err)
	}
	return &next, nil
}

// DeleteLink removes a link and its click counter
func (s *Service) DeleteLink(ctx context.Context, id string) error {
	err := s.store.BatchWrite(ctx, []domain.WriteOp{
		{Kind: domain.WriteDelete, Ref: linkRef(id)},
		{Kind: domain.WriteDelete, Ref: analyticsRef(id)},
	})
	if err != nil {
		return fmt.Errorf("delete link %s: %w", id, err)
	}
	return nil
}

// ReorderLinks sets positions to match ids, which must list every link of
// the profile exactly once. All positions change together.
func (s *Service) ReorderLinks(ctx context.Context, profileID string, ids []string) error {
	links, err := s.GetLinks(ctx, profileID)
	if err != nil {
		return err
	}

	current := make(map[string]int, len(links))
	for _, l := range links {
		current[l.ID] = l.Position
	}
	if len(ids) != len(current) {
		return fmt.Errorf("%w: reorder lists %d links, profile has %d", domain.ErrInvalidProfile, len(ids), len(current))
	}

	seen := make(map[string]bool, len(ids))
	var ops []domain.WriteOp
	for pos, id := range ids {
		old, ok := current[id]
		if !ok || seen[id] {
			return fmt.Errorf("%w: unexpected link %q in reorder", domain.ErrInvalidProfile, id)
		}
		seen[id] = true
		if old == pos {
			continue
		}
		ops = append(ops, domain.WriteOp{
			Kind: domain.WriteUpdate,
			Ref:  linkRef(id),
			Data: domain.Document{"position": pos},
		})
	}
	if len(ops) == 0 {
		return nil
	}

	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return fmt.Errorf("reorder links: %w", err)
	}
	s.logger.Debug("reordered links", "profile", profileID, "moved", len(ops))
	return nil
}

// SearchLinks fuzzy-matches query against link titles and URLs, best match
// first. An empty query returns nothing.
func (s *Service) SearchLinks(ctx context.Context, profileID, query string) ([]domain.Link, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	links, err := s.GetLinks(ctx, profileID)
	if err != nil {
		return nil, err
	}

	// Two targets per link: title at 2n, URL at 2n+1
	targets := make([]string, 0, len(links)*2)
	for _, l := range links {
		targets = append(targets, l.Title, l.URL)
	}

	ranks := fuzzy.RankFindNormalizedFold(query, targets)
	sort.Stable(ranks)

	seen := make(map[int]bool)
	results := make([]domain.Link, 0, len(ranks))
	for _, r := range ranks {
		n := r.OriginalIndex / 2
		if seen[n] {
			continue
		}
		seen[n] = true
		results = append(results, links[n])
	}
	return results, nil
}
