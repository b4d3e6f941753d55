package authpw

import (
	"context"
	"errors"
	"testing"

	"dealdesk/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string // email -> userID
	profiles   map[string]store.UserProfile
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[string]store.User),
		emailIndex: make(map[string]string),
		profiles:   make(map[string]store.UserProfile),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	if _, ok := m.emailIndex[user.Email]; ok {
		return store.ErrDuplicate
	}
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return nil
}

func (m *mockUserStore) CreateProfile(ctx context.Context, profile store.UserProfile) error {
	if _, ok := m.profiles[profile.UserID]; ok {
		return store.ErrDuplicate
	}
	m.profiles[profile.UserID] = profile
	return nil
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	t.Run("successful registration", func(t *testing.T) {
		user, err := svc.Register(ctx, RegisterRequest{
			Email:    "test@example.com",
			Password: "password123",
			Name:     "Test User",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.ID == "" {
			t.Error("expected user ID to be set")
		}
		if user.PasswordHash == "password123" {
			t.Error("password must not be stored in plaintext")
		}

		profile, ok := mockStore.profiles[user.ID]
		if !ok {
			t.Fatal("expected default profile to be seeded")
		}
		if profile.Role != "presales" {
			t.Errorf("expected default role presales, got %s", profile.Role)
		}
		if profile.Department != "Sales" {
			t.Errorf("expected default department Sales, got %s", profile.Department)
		}
		want := []string{"read", "write"}
		if len(profile.Permissions) != len(want) {
			t.Fatalf("expected permissions %v, got %v", want, profile.Permissions)
		}
		for i, p := range want {
			if profile.Permissions[i] != p {
				t.Errorf("expected permission %s at %d, got %s", p, i, profile.Permissions[i])
			}
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{
			Email:    "test@example.com",
			Password: "password123",
			Name:     "Test User 2",
		})
		if !errors.Is(err, ErrEmailTaken) {
			t.Errorf("expected ErrEmailTaken, got %v", err)
		}
	})

	t.Run("email is normalized", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{
			Email:    "  MiXeD@Example.COM ",
			Password: "password123",
			Name:     "Mixed Case",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := mockStore.emailIndex["mixed@example.com"]; !ok {
			t.Error("expected email to be lowercased and trimmed")
		}
	})

	t.Run("short password", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{
			Email:    "test2@example.com",
			Password: "short",
			Name:     "Test User",
		})
		if err == nil {
			t.Error("expected error for short password")
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{})
		if err == nil {
			t.Error("expected error for missing fields")
		}
	})
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	if _, err := svc.Register(ctx, RegisterRequest{
		Email:    "test@example.com",
		Password: "password123",
		Name:     "Test User",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	t.Run("successful login", func(t *testing.T) {
		user, err := svc.Login(ctx, "test@example.com", "password123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Email != "test@example.com" {
			t.Errorf("expected email test@example.com, got %s", user.Email)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.Login(ctx, "test@example.com", "wrongpassword")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("non-existent user", func(t *testing.T) {
		_, err := svc.Login(ctx, "nonexistent@example.com", "password123")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})
}
