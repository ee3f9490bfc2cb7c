package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"quorum/api/internal/auth"
	"quorum/api/internal/config"
	"quorum/api/internal/rbac"
	"quorum/api/internal/realtime"
	"quorum/api/internal/store"
	"quorum/api/internal/util"
)

// CommitteeInput is a POST or PATCH body. On PATCH, nil fields are left unchanged.
type CommitteeInput struct {
	ID       string         `json:"id"`
	Name     *string        `json:"name"`
	OwnerID  *string        `json:"ownerId"`
	Members  []store.Member `json:"members"`
	Settings map[string]any `json:"settings"`
	Version  *int           `json:"version"`
}

// NormalizeMembers enforces the roster invariants: entries are trimmed and
// de-duplicated case-insensitively with the first occurrence kept, the owner is
// present with role owner, nobody else is owner, unknown roles become member and
// only the first chair keeps the role. Order is preserved.
func NormalizeMembers(members []store.Member, ownerID string) []store.Member {
	owner := strings.TrimSpace(ownerID)
	out := make([]store.Member, 0, len(members)+1)
	seen := make(map[string]bool, len(members))
	hasChair := false
	for _, raw := range members {
		m := store.Member{
			Username:  strings.TrimSpace(raw.Username),
			Name:      strings.TrimSpace(raw.Name),
			AvatarURL: strings.TrimSpace(raw.AvatarURL),
			Email:     strings.ToLower(strings.TrimSpace(raw.Email)),
			ProfileID: strings.TrimSpace(raw.ProfileID),
		}
		if m.Username == "" {
			continue
		}
		key := strings.ToLower(m.Username)
		if seen[key] {
			continue
		}
		seen[key] = true

		role := rbac.Normalize(raw.Role)
		switch {
		case owner != "" && strings.EqualFold(m.Username, owner):
			role = rbac.RoleOwner
		case role == rbac.RoleOwner:
			role = rbac.RoleMember
		case role == rbac.RoleChair && hasChair:
			role = rbac.RoleMember
		case role == rbac.RoleChair:
			hasChair = true
		}
		m.Role = string(role)
		out = append(out, m)
	}
	if owner != "" && !seen[strings.ToLower(owner)] {
		out = append([]store.Member{{Username: owner, Role: string(rbac.RoleOwner)}}, out...)
	}
	return out
}

func (s *Service) ListCommittees(ctx context.Context, member string) ([]store.Committee, error) {
	items, err := s.store.ListCommittees(ctx)
	if err != nil {
		return nil, s.storeErr(err, "Committees")
	}
	member = strings.TrimSpace(member)
	out := make([]store.Committee, 0, len(items))
	for _, c := range items {
		if member == "" || RoleOf(c, member) != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Service) GetCommittee(ctx context.Context, id string) (store.Committee, error) {
	c, err := s.store.GetCommittee(ctx, strings.TrimSpace(id))
	if err != nil {
		return store.Committee{}, s.storeErr(err, "Committee")
	}
	return c, nil
}

func (s *Service) CreateCommittee(ctx context.Context, caller auth.Identity, in CommitteeInput) (store.Committee, error) {
	name := ""
	if in.Name != nil {
		name = strings.TrimSpace(*in.Name)
	}
	if name == "" {
		return store.Committee{}, validationError("name is required", nil)
	}
	owner := caller.Username
	if in.OwnerID != nil && strings.TrimSpace(*in.OwnerID) != "" {
		owner = strings.TrimSpace(*in.OwnerID)
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = util.NewID("cmt")
	}
	now := s.clock()
	committee := store.Committee{
		ID:        id,
		Name:      name,
		OwnerID:   owner,
		Members:   s.resolveMembers(ctx, NormalizeMembers(in.Members, owner)),
		Settings:  in.Settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	saved, err := s.store.InsertCommittee(ctx, committee)
	if errors.Is(err, store.ErrAlreadyExists) {
		return store.Committee{}, conflict("CONFLICT", fmt.Sprintf("committee %s already exists", id), nil)
	}
	if err != nil {
		return store.Committee{}, s.storeErr(err, "Committee")
	}
	s.publish(realtime.EventCommitteeUpdated, saved.ID, saved.ID)
	return saved, nil
}

// UpdateCommittee patches a committee, creating it when the id is unknown. The bool
// reports whether it was created.
func (s *Service) UpdateCommittee(ctx context.Context, caller auth.Identity, in CommitteeInput) (store.Committee, bool, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return store.Committee{}, false, validationError("id is required", nil)
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := s.store.GetCommittee(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
				name := id
				in.Name = &name
			}
			created, err := s.CreateCommittee(ctx, caller, in)
			return created, err == nil, err
		}
		if err != nil {
			return store.Committee{}, false, s.storeErr(err, "Committee")
		}
		if err := s.authorizeCommitteeMutation(current, caller); err != nil {
			return store.Committee{}, false, err
		}
		if in.Version != nil && *in.Version != current.Version {
			return store.Committee{}, false, conflict("CONFLICT", "Committee has been modified", map[string]any{"currentVersion": current.Version})
		}

		next := current
		if in.Name != nil && strings.TrimSpace(*in.Name) != "" {
			next.Name = strings.TrimSpace(*in.Name)
		}
		if in.OwnerID != nil && strings.TrimSpace(*in.OwnerID) != "" {
			next.OwnerID = strings.TrimSpace(*in.OwnerID)
		}
		if in.Settings != nil {
			next.Settings = in.Settings
		}
		members := next.Members
		if in.Members != nil {
			members = in.Members
		}
		next.Members = NormalizeMembers(members, next.OwnerID)
		if in.Members != nil {
			next.Members = s.resolveMembers(ctx, next.Members)
		}
		next.UpdatedAt = s.clock()

		saved, err := s.store.UpdateCommittee(ctx, next)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return store.Committee{}, false, s.storeErr(err, "Committee")
		}
		s.publish(realtime.EventCommitteeUpdated, saved.ID, saved.ID)
		return saved, false, nil
	}
	return store.Committee{}, false, conflict("CONFLICT", "Committee is being modified concurrently, retry", nil)
}

// authorizeCommitteeMutation applies the configured committee policy. Under the open
// policy any authenticated caller may modify a committee.
func (s *Service) authorizeCommitteeMutation(c store.Committee, caller auth.Identity) error {
	if s.cfg.CommitteePolicy != config.PolicyOwner {
		return nil
	}
	if strings.EqualFold(c.OwnerID, caller.Username) || (caller.Subject != "" && c.OwnerID == caller.Subject) {
		return nil
	}
	return forbidden("Only the committee owner may modify this committee")
}

// DeleteCommittee removes a committee and cascades to its motions, their
// discussions, and its meetings.
func (s *Service) DeleteCommittee(ctx context.Context, caller auth.Identity, id string) (DeleteResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return DeleteResult{}, validationError("id is required", nil)
	}
	committee, err := s.store.GetCommittee(ctx, id)
	if err != nil {
		return DeleteResult{}, s.storeErr(err, "Committee")
	}
	if err := s.authorizeCommitteeMutation(committee, caller); err != nil {
		return DeleteResult{}, err
	}
	if err := s.store.DeleteCommittee(ctx, id); err != nil {
		return DeleteResult{}, s.storeErr(err, "Committee")
	}

	var result DeleteResult
	motions, err := s.store.ListMotions(ctx, id)
	if err != nil {
		s.logger.Error("cascade list motions failed", "committeeId", id, "error", err)
	} else if result, err = s.deleteMotionSet(ctx, motions, false); err != nil {
		s.logger.Error("cascade delete motions failed", "committeeId", id, "error", err)
	}
	if n, err := s.store.DeleteMeetings(ctx, id); err != nil {
		s.logger.Error("cascade delete meetings failed", "committeeId", id, "error", err)
	} else {
		result.DeletedMeetings = n
	}
	s.publish(realtime.EventCommitteeDeleted, id, id)
	return result, nil
}

// resolveMembers links members to profiles, creating a profile on a full miss, and
// fills blank display fields from the profile. Failures leave the member unlinked.
func (s *Service) resolveMembers(ctx context.Context, members []store.Member) []store.Member {
	for i := range members {
		profile, err := s.resolveProfile(ctx, members[i])
		if err != nil {
			s.logger.Warn("resolve member profile failed", "username", members[i].Username, "error", err)
			continue
		}
		m := &members[i]
		m.ProfileID = profile.ID
		if m.Name == "" {
			m.Name = profile.Name
		}
		if m.AvatarURL == "" {
			m.AvatarURL = profile.AvatarURL
		}
		if m.Email == "" {
			m.Email = profile.Email
		}
	}
	return members
}

// placeholderPrefix marks profiles created from a roster entry before the member
// first signed in.
const placeholderPrefix = "prf"

// resolveProfile matches by profile id, then email, then case-insensitive username,
// then the email local part.
func (s *Service) resolveProfile(ctx context.Context, m store.Member) (store.Profile, error) {
	if m.ProfileID != "" {
		if p, err := s.store.GetProfile(ctx, m.ProfileID); err == nil {
			return p, nil
		}
	}
	lookups := []func() (store.Profile, error){}
	if m.Email != "" {
		lookups = append(lookups, func() (store.Profile, error) { return s.store.FindProfileByEmail(ctx, m.Email) })
	}
	lookups = append(lookups, func() (store.Profile, error) { return s.store.FindProfileByUsername(ctx, m.Username) })
	if local, _, ok := strings.Cut(m.Email, "@"); ok && local != "" && !strings.EqualFold(local, m.Username) {
		lookups = append(lookups, func() (store.Profile, error) { return s.store.FindProfileByUsername(ctx, local) })
	}
	for _, lookup := range lookups {
		p, err := lookup()
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.Profile{}, err
		}
	}

	now := s.clock()
	profile := store.Profile{
		ID:        util.NewID(placeholderPrefix),
		Name:      firstNonBlank(m.Name, m.Username),
		Email:     m.Email,
		AvatarURL: m.AvatarURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.insertProfile(ctx, profile, m.Username)
}

// insertProfile stores p under the first free username among base, base-2, base-3...
func (s *Service) insertProfile(ctx context.Context, p store.Profile, base string) (store.Profile, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		base = "member"
	}
	for n := 1; n <= 50; n++ {
		candidate := base
		if n > 1 {
			candidate = fmt.Sprintf("%s-%d", base, n)
		}
		if _, err := s.store.FindProfileByUsername(ctx, candidate); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return store.Profile{}, err
		}
		p.Username = candidate
		err := s.store.InsertProfile(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, store.ErrAlreadyExists) {
			return store.Profile{}, err
		}
		if p.Email != "" {
			if existing, findErr := s.store.FindProfileByEmail(ctx, p.Email); findErr == nil {
				return existing, nil
			}
		}
	}
	return store.Profile{}, fmt.Errorf("no free username for %q: %w", base, store.ErrAlreadyExists)
}

// SyncProfile copies a profile's display fields onto every committee member linked
// to it and reports how many committees changed.
func (s *Service) SyncProfile(ctx context.Context, profileID string) (int, error) {
	profile, err := s.store.GetProfile(ctx, strings.TrimSpace(profileID))
	if err != nil {
		return 0, s.storeErr(err, "Profile")
	}
	return s.syncProfile(ctx, profile, "")
}

// syncProfile writes profile into every roster entry linked to it. Entries still
// pointing at previousID are moved over to the profile.
func (s *Service) syncProfile(ctx context.Context, profile store.Profile, previousID string) (int, error) {
	committees, err := s.store.ListCommittees(ctx)
	if err != nil {
		return 0, s.storeErr(err, "Committees")
	}
	changed := 0
	for _, c := range committees {
		if !syncMembers(c.Members, profile, previousID) {
			continue
		}
		for attempt := 0; attempt < casAttempts; attempt++ {
			current, err := s.store.GetCommittee(ctx, c.ID)
			if err != nil {
				break
			}
			syncMembers(current.Members, profile, previousID)
			current.UpdatedAt = s.clock()
			_, err = s.store.UpdateCommittee(ctx, current)
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				s.logger.Warn("sync profile into committee failed", "committeeId", c.ID, "error", err)
				break
			}
			changed++
			s.publish(realtime.EventCommitteeUpdated, c.ID, c.ID)
			break
		}
	}
	return changed, nil
}

func syncMembers(members []store.Member, p store.Profile, previousID string) bool {
	changed := false
	for i := range members {
		m := &members[i]
		linked := m.ProfileID == p.ID ||
			(previousID != "" && m.ProfileID == previousID) ||
			(p.Email != "" && strings.EqualFold(m.Email, p.Email)) ||
			(m.ProfileID == "" && p.Username != "" && strings.EqualFold(m.Username, p.Username))
		if !linked {
			continue
		}
		before := *m
		m.ProfileID = p.ID
		if p.Name != "" {
			m.Name = p.Name
		}
		if p.AvatarURL != "" {
			m.AvatarURL = p.AvatarURL
		}
		if p.Email != "" {
			m.Email = p.Email
		}
		if *m != before {
			changed = true
		}
	}
	return changed
}
