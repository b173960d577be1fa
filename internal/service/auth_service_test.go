package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"zchat/internal/domain"
	"zchat/internal/security"
	"zchat/internal/service"
)

type MockUserRepo struct {
	mock.Mock
}

func (m *MockUserRepo) Create(ctx context.Context, u *domain.User) error {
	args := m.Called(ctx, u)
	return args.Error(0)
}

func (m *MockUserRepo) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepo) ListByIDs(ctx context.Context, ids []int64) ([]*domain.User, error) {
	return nil, nil
}

func (m *MockUserRepo) List(ctx context.Context, offset, limit int) ([]*domain.User, error) {
	args := m.Called(ctx, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.User), args.Error(1)
}

func (m *MockUserRepo) ListIDs(ctx context.Context) ([]int64, error) {
	return nil, nil
}

func (m *MockUserRepo) TouchLastSeen(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) JoinChannel(ctx context.Context, userID int64) (*domain.Conversation, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func TestRegister(t *testing.T) {
	mockRepo := new(MockUserRepo)
	channel := new(MockChannel)
	tokenSvc := security.NewTokenService("secret", time.Hour)
	hasher := security.NewPasswordHasher(4) // low cost for tests

	svc := service.NewAuthService(mockRepo, tokenSvc, hasher, channel, nil)

	t.Run("Success", func(t *testing.T) {
		input := service.RegisterInput{
			Email:     "New@Example.com ",
			FirstName: "Ada",
			Password:  "Password1!",
		}

		mockRepo.On("GetByEmail", mock.Anything, "new@example.com").Return(nil, nil).Once()
		mockRepo.On("Create", mock.Anything, mock.MatchedBy(func(u *domain.User) bool {
			return u.Email == "new@example.com" && u.HashedPassword != "Password1!"
		})).Run(func(args mock.Arguments) {
			args.Get(1).(*domain.User).ID = 7
		}).Return(nil).Once()
		channel.On("JoinChannel", mock.Anything, int64(7)).Return(&domain.Conversation{ID: 1}, nil).Once()

		user, err := svc.Register(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", user.Email)
		assert.Equal(t, "Ada", user.FirstName)
		channel.AssertExpectations(t)
	})

	t.Run("EmailTaken", func(t *testing.T) {
		input := service.RegisterInput{
			Email:    "existing@example.com",
			Password: "Password1!",
		}

		existing := &domain.User{ID: 3, Email: "existing@example.com"}
		mockRepo.On("GetByEmail", mock.Anything, "existing@example.com").Return(existing, nil).Once()

		user, err := svc.Register(context.Background(), input)
		assert.Nil(t, user)
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("MalformedEmail", func(t *testing.T) {
		_, err := svc.Register(context.Background(), service.RegisterInput{Email: "nope", Password: "x"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("ChannelFailureDoesNotFailRegistration", func(t *testing.T) {
		mockRepo.On("GetByEmail", mock.Anything, "late@example.com").Return(nil, nil).Once()
		mockRepo.On("Create", mock.Anything, mock.MatchedBy(func(u *domain.User) bool {
			return u.Email == "late@example.com"
		})).Run(func(args mock.Arguments) {
			args.Get(1).(*domain.User).ID = 8
		}).Return(nil).Once()
		channel.On("JoinChannel", mock.Anything, int64(8)).Return(nil, errors.New("db down")).Once()

		user, err := svc.Register(context.Background(), service.RegisterInput{Email: "late@example.com", Password: "pw"})
		require.NoError(t, err)
		assert.Equal(t, int64(8), user.ID)
	})
}

func TestLogin(t *testing.T) {
	mockRepo := new(MockUserRepo)
	tokenSvc := security.NewTokenService("secret", time.Hour)
	hasher := security.NewPasswordHasher(4)
	svc := service.NewAuthService(mockRepo, tokenSvc, hasher, nil, nil)

	hashed, err := hasher.Hash("Password1!")
	require.NoError(t, err)
	user := &domain.User{ID: 5, Email: "ada@example.com", HashedPassword: hashed}

	t.Run("Success", func(t *testing.T) {
		mockRepo.On("GetByEmail", mock.Anything, "ada@example.com").Return(user, nil).Once()
		mockRepo.On("TouchLastSeen", mock.Anything, int64(5)).Return(nil).Once()

		res, err := svc.Login(context.Background(), service.LoginInput{Email: "ADA@example.com", Password: "Password1!"})
		require.NoError(t, err)
		assert.Equal(t, "bearer", res.TokenType)
		assert.Equal(t, user, res.User)

		sub, err := tokenSvc.Subject(res.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "ada@example.com", sub)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		mockRepo.On("GetByEmail", mock.Anything, "ada@example.com").Return(user, nil).Once()

		_, err := svc.Login(context.Background(), service.LoginInput{Email: "ada@example.com", Password: "wrong"})
		assert.ErrorIs(t, err, service.ErrInvalidCredentials)
		assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	})

	t.Run("UnknownEmail", func(t *testing.T) {
		mockRepo.On("GetByEmail", mock.Anything, "ghost@example.com").Return(nil, nil).Once()

		_, err := svc.Login(context.Background(), service.LoginInput{Email: "ghost@example.com", Password: "x"})
		assert.ErrorIs(t, err, service.ErrInvalidCredentials)
	})
}

func TestAuthenticate(t *testing.T) {
	mockRepo := new(MockUserRepo)
	tokenSvc := security.NewTokenService("secret", time.Hour)
	svc := service.NewAuthService(mockRepo, tokenSvc, security.NewPasswordHasher(4), nil, nil)

	token, _, err := tokenSvc.Issue("ada@example.com")
	require.NoError(t, err)

	t.Run("Success", func(t *testing.T) {
		mockRepo.On("GetByEmail", mock.Anything, "ada@example.com").Return(&domain.User{ID: 1, Email: "ada@example.com"}, nil).Once()

		u, err := svc.Authenticate(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, int64(1), u.ID)
	})

	t.Run("BadToken", func(t *testing.T) {
		_, err := svc.Authenticate(context.Background(), "garbage")
		assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	})

	t.Run("DeletedUser", func(t *testing.T) {
		mockRepo.On("GetByEmail", mock.Anything, "ada@example.com").Return(nil, nil).Once()

		_, err := svc.Authenticate(context.Background(), token)
		assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	})
}

func TestUserServiceList(t *testing.T) {
	mockRepo := new(MockUserRepo)
	svc := service.NewUserService(mockRepo)

	t.Run("ClampsLimit", func(t *testing.T) {
		mockRepo.On("List", mock.Anything, 0, service.MaxUsersPerPage).Return(nil, nil).Once()

		users, err := svc.List(context.Background(), -3, 10_000)
		require.NoError(t, err)
		assert.Empty(t, users)
		mockRepo.AssertExpectations(t)
	})

	t.Run("RetriesTransient", func(t *testing.T) {
		mockRepo.On("List", mock.Anything, 0, 10).Return(nil, domain.Transient(errors.New("conn reset"))).Once()
		mockRepo.On("List", mock.Anything, 0, 10).Return([]*domain.User{{ID: 1}}, nil).Once()

		users, err := svc.List(context.Background(), 0, 10)
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})

	t.Run("GetMissing", func(t *testing.T) {
		mockRepo.On("GetByID", mock.Anything, int64(99)).Return(nil, nil).Once()

		_, err := svc.Get(context.Background(), 99)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})
}
