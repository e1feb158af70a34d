package domain

// Collection names in the document store
const (
	CollectionProfiles  = "profiles"
	CollectionLinks     = "links"
	CollectionAnalytics = "analytics"
)

// Identity is the signed-in user as supplied by the identity provider.
// The sync layer only uses ID, as a namespace for profile documents.
type Identity struct {
	ID          string
	Email       string
	DisplayName string
	AvatarURL   string
}

// Profile is a public bio-link page
type Profile struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id" validate:"required"`
	Username    string `json:"username" validate:"required,min=3,max=30,alphanumunicode"`
	DisplayName string `json:"display_name" validate:"required,max=80"`
	Bio         string `json:"bio" validate:"max=300"`
	AvatarURL   string `json:"avatar_url,omitempty" validate:"omitempty,url"`
	Theme       string `json:"theme"`
	IsPublic    bool   `json:"is_public"`
	CreatedAt   string `json:"created_at,omitempty"` // server-assigned
	UpdatedAt   string `json:"updated_at,omitempty"` // server-assigned
}

// Ref returns the document reference for this profile
func (p *Profile) Ref() Ref {
	return Ref{Collection: CollectionProfiles, ID: p.ID}
}

// Link is one outbound link on a profile, ordered by Position
type Link struct {
	ID          string `json:"id"`
	ProfileID   string `json:"profile_id" validate:"required"`
	Title       string `json:"title" validate:"required,max=100"`
	URL         string `json:"url" validate:"required,url"`
	Description string `json:"description,omitempty" validate:"max=200"`
	Position    int    `json:"position" validate:"gte=0"`
	IsActive    bool   `json:"is_active"`
}

// Ref returns the document reference for this link
func (l *Link) Ref() Ref {
	return Ref{Collection: CollectionLinks, ID: l.ID}
}

// Analytics counters. Profiles and links each have one document in the
// analytics collection, keyed by their own id.
type Analytics struct {
	Views  int `json:"views"`
	Clicks int `json:"clicks"`
}

// LinkStats pairs a link with its click count
type LinkStats struct {
	Link   Link
	Clicks int
}

// ProfileAnalytics summarizes a profile's traffic
type ProfileAnalytics struct {
	TotalViews  int
	TotalClicks int
	TopLinks    []LinkStats
}
