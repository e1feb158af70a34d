package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmcdole/biolink/internal/datasync"
	"github.com/mmcdole/biolink/internal/domain"
)

// ProfileInput is the user-supplied part of a new profile. Empty fields
// take defaults from the identity.
type ProfileInput struct {
	Username    string
	DisplayName string
	Bio         string
	AvatarURL   string
	Theme       string
	IsPublic    *bool
}

// ProfileUpdate changes the non-nil fields of a profile
type ProfileUpdate struct {
	Username    *string
	DisplayName *string
	Bio         *string
	AvatarURL   *string
	Theme       *string
	IsPublic    *bool
}

func (u ProfileUpdate) fields() domain.Document {
	out := domain.Document{}
	set := func(key string, v *string) {
		if v != nil {
			out[key] = *v
		}
	}
	if u.Username != nil {
		out["username"] = normalizeUsername(*u.Username)
	}
	set("display_name", u.DisplayName)
	set("bio", u.Bio)
	set("avatar_url", u.AvatarURL)
	set("theme", u.Theme)
	if u.IsPublic != nil {
		out["is_public"] = *u.IsPublic
	}
	return out
}

// GetProfile returns the profile owned by userID, nil if there is none
func (s *Service) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	docs, err := s.store.Query(ctx, domain.CollectionProfiles,
		[]domain.Filter{domain.Where("user_id", domain.OpEqual, userID)}, nil, 1)
	if err != nil {
		return nil, fmt.Errorf("get profile for user %s: %w", userID, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return decodeProfile(docs[0])
}

// GetProfileByID reads one profile, nil if it does not exist
func (s *Service) GetProfileByID(ctx context.Context, id string) (*domain.Profile, error) {
	doc, err := s.store.Get(ctx, profileRef(id), datasync.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	if doc == nil {
		return nil, nil
	}
	p, err := decodeProfile(doc)
	if err != nil {
		return nil, err
	}
	p.ID = id
	return p, nil
}

// GetPublicProfile finds a public profile by username, nil if none matches
func (s *Service) GetPublicProfile(ctx context.Context, username string) (*domain.Profile, error) {
	docs, err := s.store.Query(ctx, domain.CollectionProfiles, []domain.Filter{
		domain.Where("username", domain.OpEqual, normalizeUsername(username)),
		domain.Where("is_public", domain.OpEqual, true),
	}, nil, 1)
	if err != nil {
		return nil, fmt.Errorf("get public profile %q: %w", username, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return decodeProfile(docs[0])
}

// IsUsernameAvailable reports whether no profile uses username
func (s *Service) IsUsernameAvailable(ctx context.Context, username string) (bool, error) {
	owner, err := s.usernameOwner(ctx, username)
	if err != nil {
		return false, err
	}
	return owner == "", nil
}

// usernameOwner returns the id of the profile holding username, if any
func (s *Service) usernameOwner(ctx context.Context, username string) (string, error) {
	docs, err := s.store.Query(ctx, domain.CollectionProfiles,
		[]domain.Filter{domain.Where("username", domain.OpEqual, normalizeUsername(username))}, nil, 1)
	if err != nil {
		return "", fmt.Errorf("check username %q: %w", username, err)
	}
	if len(docs) == 0 {
		return "", nil
	}
	id, _ := docs[0][domain.FieldID].(string)
	return id, nil
}

// claimUsername fails with ErrUsernameTaken if another profile owns
// username. Offline the check is skipped; the write is queued regardless.
func (s *Service) claimUsername(ctx context.Context, username, profileID string) error {
	owner, err := s.usernameOwner(ctx, username)
	switch {
	case errors.Is(err, domain.ErrUnavailable):
		s.logger.Warn("username not verified while offline", "username", username)
		return nil
	case err != nil:
		return err
	case owner != "" && owner != profileID:
		return fmt.Errorf("%w: %s", domain.ErrUsernameTaken, username)
	}
	return nil
}

// CreateProfile creates the profile for identity. The new profile is public
// with the default theme unless input says otherwise.
func (s *Service) CreateProfile(ctx context.Context, identity domain.Identity, input ProfileInput) (*domain.Profile, error) {
	p := &domain.Profile{
		ID:          s.newID(),
		UserID:      identity.ID,
		Username:    normalizeUsername(input.Username),
		DisplayName: input.DisplayName,
		Bio:         input.Bio,
		AvatarURL:   input.AvatarURL,
		Theme:       input.Theme,
		IsPublic:    true,
	}
	if p.DisplayName == "" {
		p.DisplayName = identity.DisplayName
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Username
	}
	if p.AvatarURL == "" {
		p.AvatarURL = identity.AvatarURL
	}
	if p.Theme == "" {
		p.Theme = DefaultTheme
	}
	if input.IsPublic != nil {
		p.IsPublic = *input.IsPublic
	}

	if err := validateStruct(p); err != nil {
		return nil, err
	}
	if err := s.claimUsername(ctx, p.Username, p.ID); err != nil {
		return nil, err
	}

	doc, err := storedFields(p)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, p.Ref(), doc, datasync.SetOptions{}); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}

	s.logger.Info("created profile", "id", p.ID, "username", p.Username)
	return p, nil
}

// UpdateProfile applies upd to the profile and returns the local result
func (s *Service) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*domain.Profile, error) {
	current, err := s.GetProfileByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("update profile %s: %w", id, domain.ErrNotFound)
	}

	fields := upd.fields()
	if len(fields) == 0 {
		return current, nil
	}

	next := *current
	if err := domain.DecodeDocument(fields, &next); err != nil {
		return nil, err
	}
	if err := validateStruct(&next); err != nil {
		return nil, err
	}
	if next.Username != current.Username {
		if err := s.claimUsername(ctx, next.Username, id); err != nil {
			return nil, err
		}
	}

	if _, err := s.store.Update(ctx, profileRef(id), fields, datasync.UpdateOptions{}); err != nil {
		return nil, fmt.Errorf("update profile %s: %w", id, err)
	}
	return &next, nil
}

// WatchProfile calls fn with the profile now and on every change until the
// returned function is called. A deleted profile is reported as nil.
func (s *Service) WatchProfile(id string, fn func(p *domain.Profile, local bool)) (stop func()) {
	return s.store.Subscribe(profileRef(id), func(snap datasync.Snapshot) {
		if !snap.Exists || snap.Doc == nil {
			fn(nil, snap.Local)
			return
		}
		p, err := decodeProfile(snap.Doc)
		if err != nil {
			s.logger.Warn("undecodable profile", "id", id, "error", err)
			return
		}
		p.ID = id
		fn(p, snap.Local)
	})
}

func decodeProfile(doc domain.Document) (*domain.Profile, error) {
	var p domain.Profile
	if err := domain.DecodeDocument(doc, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}
