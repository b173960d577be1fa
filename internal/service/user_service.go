package service

import (
	"context"

	"zchat/internal/domain"
)

// MaxUsersPerPage caps List.
const MaxUsersPerPage = 200

// UserService provides the user directory.
type UserService struct {
	users domain.UserRepository
}

func NewUserService(users domain.UserRepository) *UserService {
	return &UserService{users: users}
}

func (s *UserService) Get(ctx context.Context, id int64) (*domain.User, error) {
	u, err := retryRead(ctx, func() (*domain.User, error) {
		return s.users.GetByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, domain.ErrUserNotFound
	}
	return u, nil
}

func (s *UserService) List(ctx context.Context, offset, limit int) ([]*domain.User, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > MaxUsersPerPage {
		limit = MaxUsersPerPage
	}
	users, err := retryRead(ctx, func() ([]*domain.User, error) {
		return s.users.List(ctx, offset, limit)
	})
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []*domain.User{}
	}
	return users, nil
}
