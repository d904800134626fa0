package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ImportChunkSize is the number of cards applied per transaction by an
// import job.
const ImportChunkSize = 100

// MaxImportCards bounds a single import request.
const MaxImportCards = 50000

type importJob struct {
	userID int64
	job    models.ImportJob
}

// ImportService runs bulk card imports in the background. Job state is kept
// in memory and lost on restart.
type ImportService struct {
	repo   SyncRepository
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*importJob
	wg   sync.WaitGroup
}

// NewImportService constructs a new ImportService.
func NewImportService(repo SyncRepository, logger *zap.Logger) *ImportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImportService{repo: repo, logger: logger, now: time.Now, jobs: make(map[string]*importJob)}
}

// Start queues an import of cards for the user and returns the new job.
// Card ids, scheduling state and collection memberships are ignored;
// every card is created fresh.
func (s *ImportService) Start(ctx context.Context, userID int64, cards []models.Card) (models.ImportJob, error) {
	if len(cards) == 0 || len(cards) > MaxImportCards {
		return models.ImportJob{}, fmt.Errorf("%w: import needs 1 to %d cards", ErrInvalidInput, MaxImportCards)
	}
	for i, c := range cards {
		if c.Simplified == "" {
			return models.ImportJob{}, fmt.Errorf("%w: card %d has no simplified form", ErrInvalidInput, i)
		}
	}

	job := &importJob{userID: userID, job: models.ImportJob{
		JobID:     uuid.NewString(),
		Status:    models.JobQueued,
		CreatedAt: s.now(),
	}}
	s.mu.Lock()
	s.jobs[job.job.JobID] = job
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(context.WithoutCancel(ctx), job.job.JobID, userID, cards)
	}()
	return job.job, nil
}

// Get returns the job if it belongs to the user.
func (s *ImportService) Get(_ context.Context, userID int64, jobID string) (models.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.userID != userID {
		return models.ImportJob{}, ErrNotFound
	}
	return job.job, nil
}

// Wait blocks until all running jobs have finished.
func (s *ImportService) Wait() {
	s.wg.Wait()
}

func (s *ImportService) run(ctx context.Context, jobID string, userID int64, cards []models.Card) {
	s.update(jobID, func(j *models.ImportJob) { j.Status = models.JobRunning })

	done := 0
	for _, chunk := range lo.Chunk(cards, ImportChunkSize) {
		now := s.now()
		req := models.SyncRequest{Cards: make([]models.Card, len(chunk)), LastModified: now}
		for i, c := range chunk {
			req.Cards[i] = models.Card{
				ID:                models.Local(int64(i + 1)),
				Simplified:        c.Simplified,
				Pinyin:            c.Pinyin,
				Meanings:          c.Meanings,
				Examples:          c.Examples,
				Tags:              c.Tags,
				CreatedFromDictID: c.CreatedFromDictID,
				Easiness:          models.DefaultEasiness,
				NextDue:           now,
				LastModified:      now,
			}
		}
		if _, err := s.repo.ApplySync(ctx, userID, req, now); err != nil {
			s.logger.Error("import failed", zap.String("job_id", jobID), zap.Int("imported", done), zap.Error(err))
			s.update(jobID, func(j *models.ImportJob) { j.Status = models.JobError; s.finish(j) })
			return
		}
		done += len(chunk)
		s.update(jobID, func(j *models.ImportJob) { j.Progress = done * 100 / len(cards) })
	}

	s.logger.Info("import finished", zap.String("job_id", jobID), zap.Int("cards", done))
	s.update(jobID, func(j *models.ImportJob) { j.Status = models.JobDone; j.Progress = 100; s.finish(j) })
}

func (s *ImportService) finish(j *models.ImportJob) {
	t := s.now()
	j.FinishedAt = &t
}

func (s *ImportService) update(jobID string, fn func(*models.ImportJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		fn(&job.job)
	}
}
