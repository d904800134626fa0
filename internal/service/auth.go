// Package service holds the server's business logic, delegating
// persistence to repository interfaces.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/atinyakov/FlashKeeper/internal/repository"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidInput is returned for requests that fail validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials is returned for a wrong username or password.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrUserExists is returned when registering a taken username.
	ErrUserExists = errors.New("username already taken")
	// ErrInvalidToken is returned for unknown, expired or revoked tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrNotFound is returned when an entity does not exist for the user.
	ErrNotFound = errors.New("not found")
)

// AuthRepository defines the persistence operations
// required by the authentication service.
type AuthRepository interface {
	// CreateUser stores a new account. It fails with repository.ErrConflict
	// when the username is taken.
	CreateUser(ctx context.Context, username string, passwordHash []byte) (models.Account, error)
	GetUserByUsername(ctx context.Context, username string) (models.Account, error)
	GetUser(ctx context.Context, id int64) (models.Account, error)
	SaveRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	// ConsumeRefreshToken revokes a valid token and returns its owner.
	ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (int64, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
}

// TokenConfig configures token issuing.
type TokenConfig struct {
	// Secret signs access tokens with HS256.
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// AuthService registers users and issues access and refresh tokens.
type AuthService struct {
	repo     AuthRepository
	cfg      TokenConfig
	validate *validator.Validate
	now      func() time.Time
}

// NewAuthService constructs a new AuthService using the provided repository.
func NewAuthService(repo AuthRepository, cfg TokenConfig) *AuthService {
	return &AuthService{repo: repo, cfg: cfg, validate: validator.New(), now: time.Now}
}

// Register creates an account and logs it in.
func (s *AuthService) Register(ctx context.Context, creds models.Credentials) (models.AuthResponse, error) {
	if err := s.validate.Struct(creds); err != nil {
		return models.AuthResponse{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.AuthResponse{}, fmt.Errorf("hash password: %w", err)
	}
	acc, err := s.repo.CreateUser(ctx, creds.Username, hash)
	if errors.Is(err, repository.ErrConflict) {
		return models.AuthResponse{}, ErrUserExists
	}
	if err != nil {
		return models.AuthResponse{}, err
	}
	return s.issue(ctx, acc.User)
}

// Login checks the credentials and issues a new token pair.
func (s *AuthService) Login(ctx context.Context, creds models.Credentials) (models.AuthResponse, error) {
	acc, err := s.repo.GetUserByUsername(ctx, creds.Username)
	if errors.Is(err, repository.ErrNotFound) {
		return models.AuthResponse{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.AuthResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(creds.Password)); err != nil {
		return models.AuthResponse{}, ErrInvalidCredentials
	}
	return s.issue(ctx, acc.User)
}

// Refresh exchanges a refresh token for a new pair. The old refresh token
// is revoked.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (models.AuthResponse, error) {
	userID, err := s.repo.ConsumeRefreshToken(ctx, hashToken(refreshToken), s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return models.AuthResponse{}, ErrInvalidToken
	}
	if err != nil {
		return models.AuthResponse{}, err
	}
	acc, err := s.repo.GetUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return models.AuthResponse{}, ErrInvalidToken
	}
	if err != nil {
		return models.AuthResponse{}, err
	}
	return s.issue(ctx, acc.User)
}

// Logout revokes the refresh token.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	return s.repo.RevokeRefreshToken(ctx, hashToken(refreshToken))
}

// ParseAccessToken verifies an access token and returns the user id.
func (s *AuthService) ParseAccessToken(token string) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return userID, nil
}

func (s *AuthService) issue(ctx context.Context, user models.User) (models.AuthResponse, error) {
	now := s.now()
	expires := now.Add(s.cfg.AccessTTL)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(user.ID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}).SignedString(s.cfg.Secret)
	if err != nil {
		return models.AuthResponse{}, fmt.Errorf("sign token: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return models.AuthResponse{}, fmt.Errorf("generate refresh token: %w", err)
	}
	refresh := base64.RawURLEncoding.EncodeToString(raw)
	if err := s.repo.SaveRefreshToken(ctx, user.ID, hashToken(refresh), now.Add(s.cfg.RefreshTTL)); err != nil {
		return models.AuthResponse{}, err
	}

	return models.AuthResponse{
		User:  user,
		Token: models.TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expires},
	}, nil
}

// hashToken returns the stored form of a refresh token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
