package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mmcdole/biolink/internal/datasync"
	"github.com/mmcdole/biolink/internal/domain"
)

// TrackProfileView counts one view of a profile page
func (s *Service) TrackProfileView(ctx context.Context, profileID string) error {
	if err := s.store.Increment(ctx, analyticsRef(profileID), "views", 1); err != nil {
		return fmt.Errorf("track view %s: %w", profileID, err)
	}
	return nil
}

// TrackLinkClick counts one click on a link, both on the link's counter and
// the profile total
func (s *Service) TrackLinkClick(ctx context.Context, linkID, profileID string) error {
	click := func(id string) domain.WriteOp {
		return domain.WriteOp{
			Kind:  domain.WriteSet,
			Ref:   analyticsRef(id),
			Data:  domain.Document{"clicks": domain.Increment{Delta: 1}},
			Merge: true,
		}
	}
	if err := s.store.BatchWrite(ctx, []domain.WriteOp{click(linkID), click(profileID)}); err != nil {
		return fmt.Errorf("track click %s: %w", linkID, err)
	}
	return nil
}

// GetAnalytics returns view and click totals with the most clicked links
func (s *Service) GetAnalytics(ctx context.Context, profileID string) (*domain.ProfileAnalytics, error) {
	totals, err := s.counters(ctx, profileID)
	if err != nil {
		return nil, err
	}

	links, err := s.GetLinks(ctx, profileID)
	if err != nil {
		return nil, err
	}

	stats := make([]domain.LinkStats, 0, len(links))
	for _, l := range links {
		c, err := s.counters(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		stats = append(stats, domain.LinkStats{Link: l, Clicks: c.Clicks})
	}
	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].Clicks > stats[j].Clicks
	})
	if len(stats) > topLinksLimit {
		stats = stats[:topLinksLimit]
	}

	return &domain.ProfileAnalytics{
		TotalViews:  totals.Views,
		TotalClicks: totals.Clicks,
		TopLinks:    stats,
	}, nil
}

// counters reads one analytics document; a missing one is all zeros
func (s *Service) counters(ctx context.Context, id string) (domain.Analytics, error) {
	var a domain.Analytics
	doc, err := s.store.Get(ctx, analyticsRef(id), datasync.GetOptions{})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return a, nil
		}
		return a, fmt.Errorf("get analytics %s: %w", id, err)
	}
	if doc == nil {
		return a, nil
	}
	a.Views = int(domain.ToFloat(doc["views"]))
	a.Clicks = int(domain.ToFloat(doc["clicks"]))
	return a, nil
}
