package service

import (
	"context"
	"fmt"

	"github.com/and161185/udpauth/internal/errs"
	"github.com/and161185/udpauth/internal/model"
	"github.com/and161185/udpauth/internal/repository"
)

// ProfileService defines read and update access to a user's info.
type ProfileService interface {
	// PublicInfo returns the allow-listed view of a user.
	PublicInfo(ctx context.Context, username string) (map[string]any, error)
	// UpdateInfo merges fields into the info of username on behalf of actor.
	UpdateInfo(ctx context.Context, actor, username string, fields map[string]any) error
}

type ProfileServiceImpl struct {
	users repository.UserRepository
}

var _ ProfileService = (*ProfileServiceImpl)(nil)

// NewProfileService constructs ProfileService over the user repository.
func NewProfileService(users repository.UserRepository) *ProfileServiceImpl {
	return &ProfileServiceImpl{users: users}
}

// PublicInfo exposes only username and register_date. The password hash and
// any extra info fields never leave this method.
func (s *ProfileServiceImpl) PublicInfo(ctx context.Context, username string) (map[string]any, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"username":             u.Username,
		model.InfoRegisterDate: u.Info[model.InfoRegisterDate],
	}, nil
}

// UpdateInfo validates ownership, merges fields into the current info and
// writes the full record back. register_date is immutable.
func (s *ProfileServiceImpl) UpdateInfo(ctx context.Context, actor, username string, fields map[string]any) error {
	if actor != username {
		return errs.ErrForbidden
	}
	if len(fields) == 0 {
		return fmt.Errorf("empty info: %w", errs.ErrInvalidArgument)
	}
	if _, ok := fields[model.InfoRegisterDate]; ok {
		return fmt.Errorf("%s is read-only: %w", model.InfoRegisterDate, errs.ErrInvalidArgument)
	}

	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return err
	}
	if u.Info == nil {
		u.Info = map[string]any{}
	}
	for k, v := range fields {
		u.Info[k] = v
	}
	return s.users.UpdateUser(ctx, u.UID, "", u)
}
