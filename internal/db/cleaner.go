package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CleanRefreshTokens removes refresh tokens that are revoked or expired at
// now and returns how many were removed.
func CleanRefreshTokens(ctx context.Context, db *sql.DB, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM refresh_tokens
		 WHERE revoked = true
		    OR expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

// StartTokenCleaner runs CleanRefreshTokens every interval until ctx is
// done.
func StartTokenCleaner(ctx context.Context, db *sql.DB, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				removed, err := CleanRefreshTokens(ctx, db, now.UTC())
				if err != nil {
					log.Error("failed to clean refresh tokens", zap.Error(err))
					continue
				}
				if removed > 0 {
					log.Info("cleaned refresh tokens", zap.Int64("removed", removed))
				}
			}
		}
	}()
}
