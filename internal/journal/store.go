package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// ListOptions filters List results.
type ListOptions struct {
	Host  string
	Limit int
}

// Store keeps the operator-side history of procedure runs in SQLite.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.AutoMigrate(&runRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Begin stores a new running entry and returns it with its ID assigned.
func (s *Store) Begin(ctx context.Context, run Run) (Run, error) {
	run.ID = uuid.New()
	run.Status = StatusRunning
	run.StartedAt = s.now().UTC()

	var rec runRecord
	rec.FromEntity(run)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Run{}, fmt.Errorf("failed to record run: %w", err)
	}
	return run, nil
}

// Finish marks a run as succeeded, or failed when runErr is non-nil.
func (s *Store) Finish(ctx context.Context, id uuid.UUID, revision string, runErr error) error {
	updates := map[string]any{
		"status":      string(StatusSucceeded),
		"finished_at": s.now().UTC(),
	}
	if revision != "" {
		updates["revision"] = revision
	}
	if runErr != nil {
		updates["status"] = string(StatusFailed)
		updates["error"] = runErr.Error()
	}

	res := s.db.WithContext(ctx).Model(&runRecord{}).Where("id = ?", id.String()).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a single run.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	var rec runRecord
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	return rec.ToEntity(), nil
}

// List returns runs, newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Run, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if opts.Host != "" {
		q = q.Where("host = ?", opts.Host)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var recs []runRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	runs := make([]Run, len(recs))
	for i := range recs {
		runs[i] = recs[i].ToEntity()
	}
	return runs, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
