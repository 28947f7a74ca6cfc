package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/ethpandaops/artifactoor/pkg/publisher"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 50

// Store persists publishing runs and their artifacts.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	RecordRun(ctx context.Context, result *publisher.Result) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListArtifacts(ctx context.Context, runID string) ([]Artifact, error)
	GetArtifact(ctx context.Context, runID string, seq int) (*Artifact, error)
}

// Compile-time interface checks.
var (
	_ Store              = (*store)(nil)
	_ publisher.Recorder = (*store)(nil)
)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new history Store backed by the configured database
// driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "history"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&Artifact{},
	); err != nil {
		return fmt.Errorf("running history migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("History database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// RecordRun writes a run and all its artifacts in one transaction.
// Recording the same run id again replaces the stored run.
func (s *store) RecordRun(ctx context.Context, result *publisher.Result) error {
	run := &Run{
		RunID:      result.ID,
		Workspace:  result.Workspace,
		Profile:    result.Profile,
		Status:     result.Status.String(),
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Uploaded:   result.Uploaded,
		Failed:     result.Failed,
	}

	if result.Err != nil {
		run.Error = result.Err.Error()
	}

	artifacts := make([]Artifact, 0, len(result.Outcomes))
	for i, o := range result.Outcomes {
		artifacts = append(artifacts, Artifact{
			RunID:        result.ID,
			Seq:          i,
			Rule:         o.Rule,
			Bucket:       o.Bucket,
			Key:          o.Key,
			LocalPath:    o.File.AbsolutePath,
			Size:         o.Size,
			ETag:         o.ETag,
			StorageClass: o.StorageClass,
			Region:       o.Region,
			Success:      o.Success,
			Error:        o.Error,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", run.RunID).
			Delete(&Artifact{}).Error; err != nil {
			return fmt.Errorf("deleting previous artifacts: %w", err)
		}

		if err := tx.Where("run_id = ?", run.RunID).
			Delete(&Run{}).Error; err != nil {
			return fmt.Errorf("deleting previous run: %w", err)
		}

		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		if len(artifacts) == 0 {
			return nil
		}

		if err := tx.CreateInBatches(artifacts, 100).Error; err != nil {
			return fmt.Errorf("inserting artifacts: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"run_id":    run.RunID,
		"artifacts": len(artifacts),
	}).Debug("Recorded run")

	return nil
}

// ListRuns returns the most recent runs first. A limit <= 0 uses
// DefaultListLimit.
func (s *store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var runs []Run
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// GetRun returns a run by its run id, or ErrNotFound.
func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// ListArtifacts returns the artifacts of a run in attempt order.
func (s *store) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	var artifacts []Artifact
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	return artifacts, nil
}

// GetArtifact returns the artifact at position seq of a run, or
// ErrNotFound.
func (s *store) GetArtifact(ctx context.Context, runID string, seq int) (*Artifact, error) {
	var artifact Artifact

	err := s.db.WithContext(ctx).
		Where("run_id = ? AND seq = ?", runID, seq).
		First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting artifact: %w", err)
	}

	return &artifact, nil
}
