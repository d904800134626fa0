package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/atinyakov/FlashKeeper/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

type mockAuthRepo struct {
	CreateUserFunc          func(ctx context.Context, username string, hash []byte) (models.Account, error)
	GetUserByUsernameFunc   func(ctx context.Context, username string) (models.Account, error)
	GetUserFunc             func(ctx context.Context, id int64) (models.Account, error)
	SaveRefreshTokenFunc    func(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	ConsumeRefreshTokenFunc func(ctx context.Context, tokenHash string, now time.Time) (int64, error)
	RevokeRefreshTokenFunc  func(ctx context.Context, tokenHash string) error
}

func (m *mockAuthRepo) CreateUser(ctx context.Context, username string, hash []byte) (models.Account, error) {
	return m.CreateUserFunc(ctx, username, hash)
}
func (m *mockAuthRepo) GetUserByUsername(ctx context.Context, username string) (models.Account, error) {
	return m.GetUserByUsernameFunc(ctx, username)
}
func (m *mockAuthRepo) GetUser(ctx context.Context, id int64) (models.Account, error) {
	return m.GetUserFunc(ctx, id)
}
func (m *mockAuthRepo) SaveRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	if m.SaveRefreshTokenFunc == nil {
		return nil
	}
	return m.SaveRefreshTokenFunc(ctx, userID, tokenHash, expiresAt)
}
func (m *mockAuthRepo) ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (int64, error) {
	return m.ConsumeRefreshTokenFunc(ctx, tokenHash, now)
}
func (m *mockAuthRepo) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	return m.RevokeRefreshTokenFunc(ctx, tokenHash)
}

var testTokens = TokenConfig{
	Secret:     []byte("0123456789abcdef0123"),
	AccessTTL:  15 * time.Minute,
	RefreshTTL: 24 * time.Hour,
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func account(t *testing.T, id int64, username, password string) models.Account {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return models.Account{User: models.User{ID: id, Username: username}, PasswordHash: hash}
}

func TestRegister_Success(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var savedHash string
	repo := &mockAuthRepo{
		CreateUserFunc: func(_ context.Context, username string, hash []byte) (models.Account, error) {
			if username != "bob" {
				t.Errorf("CreateUser username = %q; want bob", username)
			}
			if err := bcrypt.CompareHashAndPassword(hash, []byte("secret1")); err != nil {
				t.Errorf("stored hash does not match password: %v", err)
			}
			return models.Account{User: models.User{ID: 7, Username: username}}, nil
		},
		SaveRefreshTokenFunc: func(_ context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
			if userID != 7 {
				t.Errorf("SaveRefreshToken userID = %d; want 7", userID)
			}
			if !expiresAt.Equal(now.Add(testTokens.RefreshTTL)) {
				t.Errorf("refresh expiry = %v; want %v", expiresAt, now.Add(testTokens.RefreshTTL))
			}
			savedHash = tokenHash
			return nil
		},
	}
	svc := NewAuthService(repo, testTokens)
	svc.now = fixedClock(now)

	resp, err := svc.Register(context.Background(), models.Credentials{Username: "bob", Password: "secret1"})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if resp.User.ID != 7 || resp.User.Username != "bob" {
		t.Errorf("user = %+v; want id 7 bob", resp.User)
	}
	if savedHash != hashToken(resp.Token.RefreshToken) {
		t.Errorf("stored refresh hash does not match issued token")
	}
	if !resp.Token.ExpiresAt.Equal(now.Add(testTokens.AccessTTL)) {
		t.Errorf("ExpiresAt = %v; want %v", resp.Token.ExpiresAt, now.Add(testTokens.AccessTTL))
	}

	userID, err := svc.ParseAccessToken(resp.Token.AccessToken)
	if err != nil {
		t.Fatalf("ParseAccessToken error: %v", err)
	}
	if userID != 7 {
		t.Errorf("token subject = %d; want 7", userID)
	}
}

func TestRegister_UsernameTaken(t *testing.T) {
	repo := &mockAuthRepo{
		CreateUserFunc: func(context.Context, string, []byte) (models.Account, error) {
			return models.Account{}, repository.ErrConflict
		},
	}
	svc := NewAuthService(repo, testTokens)
	_, err := svc.Register(context.Background(), models.Credentials{Username: "bob", Password: "secret1"})
	if !errors.Is(err, ErrUserExists) {
		t.Fatalf("Register error = %v; want %v", err, ErrUserExists)
	}
}

func TestRegister_InvalidCredentials(t *testing.T) {
	repo := &mockAuthRepo{
		CreateUserFunc: func(context.Context, string, []byte) (models.Account, error) {
			t.Fatal("CreateUser must not be called")
			return models.Account{}, nil
		},
	}
	svc := NewAuthService(repo, testTokens)
	_, err := svc.Register(context.Background(), models.Credentials{Username: "bo", Password: "123"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Register error = %v; want %v", err, ErrInvalidInput)
	}
}

func TestLogin(t *testing.T) {
	acc := account(t, 3, "alice", "wonderland")
	repo := &mockAuthRepo{
		GetUserByUsernameFunc: func(_ context.Context, username string) (models.Account, error) {
			if username != "alice" {
				return models.Account{}, repository.ErrNotFound
			}
			return acc, nil
		},
	}
	svc := NewAuthService(repo, testTokens)

	tests := []struct {
		name    string
		creds   models.Credentials
		wantErr error
	}{
		{"ok", models.Credentials{Username: "alice", Password: "wonderland"}, nil},
		{"wrong password", models.Credentials{Username: "alice", Password: "nope"}, ErrInvalidCredentials},
		{"unknown user", models.Credentials{Username: "mallory", Password: "wonderland"}, ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := svc.Login(context.Background(), tt.creds)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Login error = %v; want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && resp.User.ID != 3 {
				t.Errorf("user id = %d; want 3", resp.User.ID)
			}
		})
	}
}

func TestLogin_RepoError(t *testing.T) {
	wantErr := errors.New("db down")
	repo := &mockAuthRepo{
		GetUserByUsernameFunc: func(context.Context, string) (models.Account, error) {
			return models.Account{}, wantErr
		},
	}
	svc := NewAuthService(repo, testTokens)
	_, err := svc.Login(context.Background(), models.Credentials{Username: "alice", Password: "wonderland"})
	if err != wantErr {
		t.Fatalf("Login error = %v; want %v", err, wantErr)
	}
}

func TestRefresh_Rotates(t *testing.T) {
	var consumed, saved string
	repo := &mockAuthRepo{
		ConsumeRefreshTokenFunc: func(_ context.Context, tokenHash string, _ time.Time) (int64, error) {
			consumed = tokenHash
			return 9, nil
		},
		GetUserFunc: func(_ context.Context, id int64) (models.Account, error) {
			return models.Account{User: models.User{ID: id, Username: "carol"}}, nil
		},
		SaveRefreshTokenFunc: func(_ context.Context, _ int64, tokenHash string, _ time.Time) error {
			saved = tokenHash
			return nil
		},
	}
	svc := NewAuthService(repo, testTokens)

	resp, err := svc.Refresh(context.Background(), "old-token")
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if consumed != hashToken("old-token") {
		t.Errorf("consumed hash = %q; want hash of old-token", consumed)
	}
	if resp.Token.RefreshToken == "old-token" || saved != hashToken(resp.Token.RefreshToken) {
		t.Errorf("refresh token was not rotated")
	}
	if resp.User.ID != 9 {
		t.Errorf("user id = %d; want 9", resp.User.ID)
	}
}

func TestRefresh_UnknownToken(t *testing.T) {
	repo := &mockAuthRepo{
		ConsumeRefreshTokenFunc: func(context.Context, string, time.Time) (int64, error) {
			return 0, repository.ErrNotFound
		},
	}
	svc := NewAuthService(repo, testTokens)
	_, err := svc.Refresh(context.Background(), "stale")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Refresh error = %v; want %v", err, ErrInvalidToken)
	}
}

func TestLogout(t *testing.T) {
	called := false
	repo := &mockAuthRepo{
		RevokeRefreshTokenFunc: func(_ context.Context, tokenHash string) error {
			called = true
			if tokenHash != hashToken("tok") {
				t.Errorf("revoked hash = %q; want hash of tok", tokenHash)
			}
			return nil
		},
	}
	svc := NewAuthService(repo, testTokens)
	if err := svc.Logout(context.Background(), "tok"); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if !called {
		t.Fatal("expected RevokeRefreshToken to be called")
	}
}

func TestParseAccessToken_Rejects(t *testing.T) {
	issuedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewAuthService(&mockAuthRepo{}, testTokens)
	svc.now = fixedClock(issuedAt)
	resp, err := svc.issue(context.Background(), models.User{ID: 5})
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}

	t.Run("expired", func(t *testing.T) {
		svc.now = fixedClock(issuedAt.Add(time.Hour))
		if _, err := svc.ParseAccessToken(resp.Token.AccessToken); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("ParseAccessToken error = %v; want %v", err, ErrInvalidToken)
		}
	})
	t.Run("wrong secret", func(t *testing.T) {
		other := NewAuthService(&mockAuthRepo{}, TokenConfig{Secret: []byte("another-secret-value"), AccessTTL: time.Minute})
		other.now = fixedClock(issuedAt)
		if _, err := other.ParseAccessToken(resp.Token.AccessToken); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("ParseAccessToken error = %v; want %v", err, ErrInvalidToken)
		}
	})
	t.Run("garbage", func(t *testing.T) {
		if _, err := svc.ParseAccessToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("ParseAccessToken error = %v; want %v", err, ErrInvalidToken)
		}
	})
}
