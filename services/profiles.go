package services

import (
	"context"
	"fmt"
	"time"

	"github.com/RsrRuso/cocktailsop-sub010/cache"
	"github.com/RsrRuso/cocktailsop-sub010/models"

	"gorm.io/gorm"
)

const profileTTL = 5 * time.Minute

// Profile is the display shape consumed by conversation and message views.
type Profile struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"fullName"`
	AvatarURL string `json:"avatarURL"`
}

// ProfileService resolves display profiles in batches behind a FetchCache.
// Lookups are never issued one row at a time: cache misses are collected and
// fetched in a single IN query.
type ProfileService struct {
	db    *gorm.DB
	cache *cache.FetchCache
}

func NewProfileService(db *gorm.DB, c *cache.FetchCache) *ProfileService {
	return &ProfileService{db: db, cache: c}
}

func profileKey(id uint) string {
	return fmt.Sprintf("profile:%d", id)
}

// GetProfiles returns id -> profile for every id it can resolve. Unknown ids
// are simply absent from the result.
func (s *ProfileService) GetProfiles(ctx context.Context, ids []uint) (map[uint]Profile, error) {
	out := make(map[uint]Profile, len(ids))
	missing := make([]uint, 0, len(ids))
	seen := make(map[uint]bool, len(ids))

	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if v, ok := s.cache.Peek(profileKey(id), profileTTL); ok {
			out[id] = v.(Profile)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	var users []models.User
	if err := s.db.WithContext(ctx).
		Select("id, first_name, last_name, username, avatar_url").
		Where("id IN ?", missing).
		Find(&users).Error; err != nil {
		return nil, err
	}
	for i := range users {
		u := &users[i]
		p := Profile{
			ID:        u.ID,
			Username:  u.Username,
			FullName:  u.FullName(),
			AvatarURL: u.AvatarURL,
		}
		out[u.ID] = p
		s.cache.Store(profileKey(u.ID), p)
	}
	return out, nil
}

// GetProfile resolves one profile through the coalescing path, so concurrent
// callers for the same user share a single query.
func (s *ProfileService) GetProfile(ctx context.Context, id uint) (Profile, error) {
	v, err := s.cache.GetOrFetch(ctx, profileKey(id), profileTTL, func() (interface{}, error) {
		var u models.User
		if err := s.db.Select("id, first_name, last_name, username, avatar_url").First(&u, id).Error; err != nil {
			return nil, err
		}
		return Profile{ID: u.ID, Username: u.Username, FullName: u.FullName(), AvatarURL: u.AvatarURL}, nil
	})
	if err != nil {
		return Profile{}, err
	}
	return v.(Profile), nil
}

// InvalidateProfile drops a user's cached profile after an edit.
func (s *ProfileService) InvalidateProfile(id uint) {
	s.cache.Invalidate(profileKey(id))
}
