package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"quorum/api/internal/auth"
	"quorum/api/internal/store"
)

type ProfileInput struct {
	Username  *string `json:"username"`
	Name      *string `json:"name"`
	AvatarURL *string `json:"avatarUrl"`
}

// Profile returns the caller's profile, creating it from the identity claims on
// first access. A placeholder made for the caller by a committee roster is taken
// over instead of creating a second profile.
func (s *Service) Profile(ctx context.Context, caller auth.Identity) (store.Profile, error) {
	if caller.Subject == "" {
		return store.Profile{}, unauthorized()
	}
	p, err := s.store.GetProfile(ctx, caller.Subject)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Profile{}, s.storeErr(err, "Profile")
	}

	now := s.clock()
	if claimed, ok, err := s.claimPlaceholder(ctx, caller, now); err != nil {
		return store.Profile{}, s.storeErr(err, "Profile")
	} else if ok {
		return claimed, nil
	}
	profile := store.Profile{
		ID:        caller.Subject,
		Name:      displayName(caller),
		Email:     caller.Email,
		AvatarURL: caller.AvatarURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if profile.Email != "" {
		if _, err := s.store.FindProfileByEmail(ctx, profile.Email); err == nil {
			// The address already belongs to a profile created from a committee roster.
			profile.Email = ""
		}
	}
	created, err := s.insertProfile(ctx, profile, caller.Username)
	if err != nil {
		return store.Profile{}, s.storeErr(err, "Profile")
	}
	if created.ID != caller.Subject {
		return store.Profile{}, conflict("CONFLICT", "Profile could not be created", nil)
	}
	return created, nil
}

// UpdateProfile edits the caller's username, name and avatar. A username taken by
// another profile is a conflict. Committee rosters are refreshed afterwards.
func (s *Service) UpdateProfile(ctx context.Context, caller auth.Identity, in ProfileInput) (store.Profile, error) {
	p, err := s.Profile(ctx, caller)
	if err != nil {
		return store.Profile{}, err
	}
	if in.Username != nil {
		username := strings.TrimSpace(*in.Username)
		if username == "" {
			return store.Profile{}, validationError("username cannot be blank", nil)
		}
		p.Username = username
	}
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.AvatarURL != nil {
		p.AvatarURL = strings.TrimSpace(*in.AvatarURL)
	}
	p.UpdatedAt = s.clock()
	if err := s.store.UpdateProfile(ctx, p); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return store.Profile{}, conflict("CONFLICT", "Username is already taken", map[string]any{"username": p.Username})
		}
		return store.Profile{}, s.storeErr(err, "Profile")
	}
	if _, err := s.SyncProfile(ctx, p.ID); err != nil {
		s.logger.Warn("sync profile after update failed", "profileId", p.ID, "error", err)
	}
	return p, nil
}

// claimPlaceholder moves a roster placeholder matching the caller's email, or
// failing that their username, under the caller's subject and re-points the
// rosters that referenced it.
func (s *Service) claimPlaceholder(ctx context.Context, caller auth.Identity, now time.Time) (store.Profile, bool, error) {
	var placeholder store.Profile
	emailTaken := false
	if caller.Email != "" {
		p, err := s.store.FindProfileByEmail(ctx, caller.Email)
		switch {
		case err == nil && isPlaceholder(p):
			placeholder = p
		case err == nil:
			emailTaken = true
		case !errors.Is(err, store.ErrNotFound):
			return store.Profile{}, false, err
		}
	}
	if placeholder.ID == "" && strings.TrimSpace(caller.Username) != "" {
		p, err := s.store.FindProfileByUsername(ctx, caller.Username)
		switch {
		case err == nil && isPlaceholder(p):
			placeholder = p
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return store.Profile{}, false, err
		}
	}
	if placeholder.ID == "" {
		return store.Profile{}, false, nil
	}

	profile := store.Profile{
		ID:        caller.Subject,
		Username:  placeholder.Username,
		Name:      firstNonBlank(caller.Name, placeholder.Name, caller.Username),
		Email:     placeholder.Email,
		AvatarURL: firstNonBlank(caller.AvatarURL, placeholder.AvatarURL),
		CreatedAt: placeholder.CreatedAt,
		UpdatedAt: now,
	}
	if profile.Email == "" && !emailTaken {
		profile.Email = strings.TrimSpace(caller.Email)
	}
	if err := s.store.ClaimProfile(ctx, placeholder.ID, profile); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAlreadyExists) {
			// Someone else took it first; fall back to a fresh profile.
			return store.Profile{}, false, nil
		}
		return store.Profile{}, false, err
	}
	s.logger.Info("profile claimed", "profileId", profile.ID, "placeholderId", placeholder.ID)
	if _, err := s.syncProfile(ctx, profile, placeholder.ID); err != nil {
		s.logger.Warn("relink rosters after claim failed", "profileId", profile.ID, "error", err)
	}
	return profile, true, nil
}

func isPlaceholder(p store.Profile) bool {
	return strings.HasPrefix(p.ID, placeholderPrefix+"_")
}
