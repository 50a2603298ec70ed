package authpw

import (
	"context"
	"errors"
	"testing"

	"fieldmap/api/internal/store"
)

type memUserStore struct {
	users map[string]store.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: map[string]store.User{}}
}

func (m *memUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	u, ok := m.users[email]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memUserStore) CreateUser(ctx context.Context, user store.User) error {
	m.users[user.Email] = user
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newMemUserStore())
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "asha@example.com",
		Password:    "long-enough-pw",
		DisplayName: "Asha",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if user.ID == "" {
		t.Error("expected an assigned user id")
	}
	if user.PasswordHash == "long-enough-pw" {
		t.Error("password must not be stored in clear")
	}

	got, err := svc.SignIn(ctx, "asha@example.com", "long-enough-pw")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("expected user %s, got %s", user.ID, got.ID)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	svc := NewService(newMemUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.c", Password: "long-enough-pw", DisplayName: "A"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	_, err := svc.SignIn(ctx, "a@b.c", "wrong-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSignInUnknownEmail(t *testing.T) {
	svc := NewService(newMemUserStore())
	_, err := svc.SignIn(context.Background(), "nobody@example.com", "whatever")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	svc := NewService(newMemUserStore())
	_, err := svc.SignUp(context.Background(), SignUpRequest{Email: "a@b.c", Password: "short", DisplayName: "A"})
	if err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	svc := NewService(newMemUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.c", Password: "long-enough-pw", DisplayName: "A"}); err != nil {
		t.Fatalf("first SignUp failed: %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.c", Password: "long-enough-pw", DisplayName: "B"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken for duplicate email, got %v", err)
	}
}
