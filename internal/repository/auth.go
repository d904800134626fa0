// Package repository provides the Postgres persistence of the server.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a row does not exist or belongs to
	// another user.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint is violated.
	ErrConflict = errors.New("already exists")
)

// uniqueViolation is the Postgres error code of a unique constraint failure.
const uniqueViolation = "23505"

// PostgresAuthRepository stores accounts and refresh tokens.
type PostgresAuthRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresAuthRepository creates a new PostgresAuthRepository with the
// given database connection.
func NewPostgresAuthRepository(db *sql.DB) *PostgresAuthRepository {
	return &PostgresAuthRepository{DB: db}
}

// CreateUser inserts an account. ErrConflict is returned when the username
// is taken.
func (r *PostgresAuthRepository) CreateUser(ctx context.Context, username string, passwordHash []byte) (models.Account, error) {
	acc := models.Account{User: models.User{Username: username}, PasswordHash: passwordHash}
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, created_at
	`, username, string(passwordHash)).Scan(&acc.ID, &acc.LastModified)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return acc, fmt.Errorf("user %s: %w", username, ErrConflict)
	}
	if err != nil {
		return acc, fmt.Errorf("create user: %w", err)
	}
	return acc, nil
}

// GetUserByUsername returns the account with the given username.
func (r *PostgresAuthRepository) GetUserByUsername(ctx context.Context, username string) (models.Account, error) {
	return r.getUser(ctx, `SELECT id, username, password_hash, settings FROM users WHERE username = $1`, username)
}

// GetUser returns the account with the given id.
func (r *PostgresAuthRepository) GetUser(ctx context.Context, id int64) (models.Account, error) {
	return r.getUser(ctx, `SELECT id, username, password_hash, settings FROM users WHERE id = $1`, id)
}

func (r *PostgresAuthRepository) getUser(ctx context.Context, query string, arg any) (models.Account, error) {
	var (
		acc      models.Account
		hash     string
		settings []byte
	)
	err := r.DB.QueryRowContext(ctx, query, arg).Scan(&acc.ID, &acc.Username, &hash, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return acc, ErrNotFound
	}
	if err != nil {
		return acc, fmt.Errorf("get user: %w", err)
	}
	acc.PasswordHash = []byte(hash)
	if err := json.Unmarshal(settings, &acc.Settings); err != nil {
		return acc, fmt.Errorf("decode settings: %w", err)
	}
	return acc, nil
}

// SaveRefreshToken stores the hash of an issued refresh token.
func (r *PostgresAuthRepository) SaveRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, expires_at) VALUES ($1, $2, $3)
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken revokes a valid refresh token and returns its owner.
// A token can be consumed once; unknown, expired or revoked tokens give
// ErrNotFound.
func (r *PostgresAuthRepository) ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (int64, error) {
	var userID int64
	err := r.DB.QueryRowContext(ctx, `
		UPDATE refresh_tokens SET revoked = true
		 WHERE token_hash = $1 AND revoked = false AND expires_at > $2
		RETURNING user_id
	`, tokenHash, now).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("consume refresh token: %w", err)
	}
	return userID, nil
}

// RevokeRefreshToken marks a refresh token as revoked. Unknown tokens are
// ignored.
func (r *PostgresAuthRepository) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}
