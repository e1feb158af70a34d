package profile

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mmcdole/biolink/internal/domain"
)

// ShareURL returns the public address of a profile. Private profiles have
// none.
func (s *Service) ShareURL(p *domain.Profile) (string, error) {
	if p == nil || !p.IsPublic {
		return "", domain.ErrProfileNotPublic
	}
	if s.baseURL == "" {
		return "/" + p.Username, nil
	}
	u, err := url.JoinPath(s.baseURL, p.Username)
	if err != nil {
		return "", fmt.Errorf("share url: %w", err)
	}
	return u, nil
}

// Platform names returned by SocialPlatform
const (
	PlatformWebsite = "website"
	PlatformEmail   = "email"
	PlatformPhone   = "phone"
	PlatformMaps    = "maps"
)

var platformHosts = map[string]string{
	"instagram.com":    "instagram",
	"twitter.com":      "twitter",
	"x.com":            "twitter",
	"facebook.com":     "facebook",
	"fb.com":           "facebook",
	"linkedin.com":     "linkedin",
	"youtube.com":      "youtube",
	"youtu.be":         "youtube",
	"github.com":       "github",
	"tiktok.com":       "tiktok",
	"snapchat.com":     "snapchat",
	"discord.com":      "discord",
	"discord.gg":       "discord",
	"telegram.org":     "telegram",
	"t.me":             "telegram",
	"whatsapp.com":     "whatsapp",
	"wa.me":            "whatsapp",
	"pinterest.com":    "pinterest",
	"reddit.com":       "reddit",
	"twitch.tv":        "twitch",
	"spotify.com":      "spotify",
	"open.spotify.com": "spotify",
}

// SocialPlatform names the service a link points at, for picking an icon.
// Unknown hosts are PlatformWebsite.
func SocialPlatform(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(lower, "mailto:"), strings.Contains(lower, "@") && !strings.Contains(lower, "/"):
		return PlatformEmail
	case strings.HasPrefix(lower, "tel:"):
		return PlatformPhone
	case strings.Contains(lower, "maps.google.com"), strings.Contains(lower, "goo.gl/maps"):
		return PlatformMaps
	}

	u, err := url.Parse(normalizeURL(lower))
	if err != nil || u.Hostname() == "" {
		return PlatformWebsite
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if name, ok := platformHosts[host]; ok {
		return name
	}
	return PlatformWebsite
}
