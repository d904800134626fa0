package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/atinyakov/FlashKeeper/internal/repository"
	"github.com/atinyakov/FlashKeeper/internal/srs"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// MaxScheduleSize caps the number of cards returned by Schedule.
const MaxScheduleSize = 200

// SyncRepository defines the persistence operations
// required by the synchronization and study services.
type SyncRepository interface {
	// Dump returns everything the user owns.
	Dump(ctx context.Context, userID int64) (models.UserSnapshot, error)
	// ApplySync applies a batch atomically and returns the id map of the
	// placeholders it created.
	ApplySync(ctx context.Context, userID int64, req models.SyncRequest, now time.Time) (models.SyncResponse, error)
	UpdateSettings(ctx context.Context, userID int64, settings models.Settings) error
	ListCards(ctx context.Context, userID int64) ([]models.Card, error)
	ListStudyLogs(ctx context.Context, userID int64) ([]models.StudyLog, error)
	GetCard(ctx context.Context, userID, cardID int64) (models.Card, error)
	// SaveReview stores the rescheduled card and its study log.
	SaveReview(ctx context.Context, card models.Card, log models.StudyLog) (models.StudyLog, error)
}

// SyncService implements the sync and study endpoints.
type SyncService struct {
	repo     SyncRepository
	validate *validator.Validate
	now      func() time.Time
}

// NewSyncService constructs a new SyncService using the provided repository.
func NewSyncService(repo SyncRepository) *SyncService {
	return &SyncService{repo: repo, validate: validator.New(), now: time.Now}
}

// SetClock replaces time.Now.
func (s *SyncService) SetClock(now func() time.Time) {
	s.now = now
}

// Dump returns the user's full snapshot.
func (s *SyncService) Dump(ctx context.Context, userID int64) (models.UserSnapshot, error) {
	snap, err := s.repo.Dump(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return snap, ErrNotFound
	}
	return snap, err
}

// Sync validates and applies a batch of client changes.
func (s *SyncService) Sync(ctx context.Context, userID int64, req models.SyncRequest) (models.SyncResponse, error) {
	if err := s.validateRequest(req); err != nil {
		return models.SyncResponse{}, err
	}
	return s.repo.ApplySync(ctx, userID, req, s.now())
}

func (s *SyncService) validateRequest(req models.SyncRequest) error {
	for _, col := range req.Collections {
		if err := s.validate.Struct(col); err != nil {
			return fmt.Errorf("%w: collection %s: %v", ErrInvalidInput, col.ID, err)
		}
	}
	for i := range req.Cards {
		if req.Cards[i].Easiness == 0 {
			req.Cards[i].Easiness = models.DefaultEasiness
		}
		if err := s.validate.Struct(req.Cards[i]); err != nil {
			return fmt.Errorf("%w: card %s: %v", ErrInvalidInput, req.Cards[i].ID, err)
		}
	}
	for _, log := range req.StudyLogs {
		if err := s.validate.Struct(log); err != nil {
			return fmt.Errorf("%w: study log %s: %v", ErrInvalidInput, log.ID, err)
		}
	}
	return nil
}

// UpdateDatasetSelection replaces the user's dictionary dataset selection.
func (s *SyncService) UpdateDatasetSelection(ctx context.Context, userID int64, selected []string) (models.DatasetSelection, error) {
	sel := models.DatasetSelection{
		Selected:  lo.Uniq(lo.Compact(selected)),
		UpdatedAt: s.now(),
	}
	err := s.repo.UpdateSettings(ctx, userID, models.Settings{Datasets: &sel})
	if errors.Is(err, repository.ErrNotFound) {
		return sel, ErrNotFound
	}
	return sel, err
}

// Schedule recommends up to n cards to study, optionally restricted to a
// collection.
func (s *SyncService) Schedule(ctx context.Context, userID int64, n int, collection *models.ID) (models.ScheduleResponse, error) {
	if n <= 0 || n > MaxScheduleSize {
		return models.ScheduleResponse{}, fmt.Errorf("%w: n must be between 1 and %d", ErrInvalidInput, MaxScheduleSize)
	}
	cards, err := s.repo.ListCards(ctx, userID)
	if err != nil {
		return models.ScheduleResponse{}, err
	}
	logs, err := s.repo.ListStudyLogs(ctx, userID)
	if err != nil {
		return models.ScheduleResponse{}, err
	}

	now := s.now()
	due := srs.Recommend(cards, logs, n, now, collection)
	return models.ScheduleResponse{GeneratedAt: now, Count: len(due), Cards: due}, nil
}

// StudyResponse grades a card with SM-2 and records the review.
func (s *SyncService) StudyResponse(ctx context.Context, userID int64, req models.StudyResponseRequest) (models.StudyResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return models.StudyResponse{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.CardID.IsLocal() || req.CardID.IsZero() {
		return models.StudyResponse{}, fmt.Errorf("%w: card %s is not synced", ErrInvalidInput, req.CardID)
	}

	card, err := s.repo.GetCard(ctx, userID, req.CardID.Value())
	if errors.Is(err, repository.ErrNotFound) {
		return models.StudyResponse{}, ErrNotFound
	}
	if err != nil {
		return models.StudyResponse{}, err
	}

	now := s.now()
	card = srs.Schedule(card, srs.Rating(req.Quality), now)
	log := models.NewStudyLog(models.ID{}, card.ID, userID, req.Quality, req.ResponseTimeMs, now)
	if _, err := s.repo.SaveReview(ctx, card, log); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.StudyResponse{}, ErrNotFound
		}
		return models.StudyResponse{}, err
	}
	return models.StudyResponse{Card: card, LoggedAt: now}, nil
}
