// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface, intended for production
// use against the marketplace's relational store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SkillReel/skillreel-media-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL storage implementation. It establishes
// a connection pool and ensures the owned tables exist.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the tables this service touches when they don't already
// exist. In the deployed marketplace the lessons and purchases tables are
// created and populated by the CRUD and checkout layers; the definitions here
// carry only the columns this service reads, so standalone deployments and
// integration databases work out of the box. media_transitions is owned
// outright by this service.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS lessons (
		    id TEXT PRIMARY KEY,
		    creator_id TEXT NOT NULL,
		    price BIGINT NOT NULL DEFAULT 0,
		    mux_upload_id TEXT,
		    mux_asset_id TEXT,
		    mux_playback_id TEXT,
		    error_detail TEXT,
		    status TEXT NOT NULL DEFAULT 'uploading'
		);

		CREATE INDEX IF NOT EXISTS idx_lessons_mux_upload_id ON lessons(mux_upload_id);
		CREATE INDEX IF NOT EXISTS idx_lessons_mux_asset_id ON lessons(mux_asset_id);

		CREATE TABLE IF NOT EXISTS purchases (
		    user_id TEXT NOT NULL,
		    lesson_id TEXT NOT NULL,
		    status TEXT NOT NULL,
		    PRIMARY KEY (user_id, lesson_id)
		);

		-- Append-only record of applied lifecycle transitions
		CREATE TABLE IF NOT EXISTS media_transitions (
		    id TEXT PRIMARY KEY,
		    lesson_id TEXT NOT NULL,
		    from_status TEXT NOT NULL,
		    to_status TEXT NOT NULL,
		    source TEXT NOT NULL,
		    detail TEXT,
		    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_media_transitions_lesson_id ON media_transitions(lesson_id, id);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

const lessonColumns = `id, creator_id, price,
	COALESCE(mux_upload_id, ''), COALESCE(mux_asset_id, ''),
	COALESCE(mux_playback_id, ''), COALESCE(error_detail, ''), status`

func (p *postgres) scanLesson(row pgx.Row) (*model.Lesson, error) {
	var lesson model.Lesson
	err := row.Scan(
		&lesson.ID,
		&lesson.CreatorID,
		&lesson.PriceCents,
		&lesson.UploadID,
		&lesson.AssetID,
		&lesson.PlaybackID,
		&lesson.ErrorDetail,
		&lesson.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan lesson: %w", err)
	}
	return &lesson, nil
}

func (p *postgres) GetLesson(ctx context.Context, id string) (*model.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons WHERE id = $1`
	return p.scanLesson(p.db.QueryRow(ctx, query, id))
}

func (p *postgres) GetLessonByUploadID(ctx context.Context, uploadID string) (*model.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons WHERE mux_upload_id = $1`
	return p.scanLesson(p.db.QueryRow(ctx, query, uploadID))
}

func (p *postgres) GetLessonByAssetID(ctx context.Context, assetID string) (*model.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons WHERE mux_asset_id = $1`
	return p.scanLesson(p.db.QueryRow(ctx, query, assetID))
}

// AttachUpload registers a fresh upload attempt for a lesson: new upload ID,
// cleared asset association, lifecycle reset to uploading. Restarting after
// an error goes through here.
func (p *postgres) AttachUpload(ctx context.Context, lessonID, uploadID string) error {
	query := `UPDATE lessons
	          SET mux_upload_id = $2, mux_asset_id = NULL, mux_playback_id = NULL,
	              error_detail = NULL, status = $3
	          WHERE id = $1`

	result, err := p.db.Exec(ctx, query, lessonID, uploadID, model.StatusUploading)
	if err != nil {
		return fmt.Errorf("failed to attach upload: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionLesson is the single conditional-update primitive for the owned
// media fields. The WHERE clause carries the expected current status, so a
// stale writer (a late poll result racing a webhook) matches zero rows and
// gets ErrConflict instead of regressing the state.
func (p *postgres) TransitionLesson(ctx context.Context, lessonID string, from model.LessonStatus, update model.MediaUpdate) error {
	query := `UPDATE lessons SET status = $3`
	args := []interface{}{lessonID, from, update.Status}
	argIndex := 4

	if update.AssetID != nil {
		query += fmt.Sprintf(", mux_asset_id = $%d", argIndex)
		args = append(args, *update.AssetID)
		argIndex++
	}
	if update.PlaybackID != nil {
		query += fmt.Sprintf(", mux_playback_id = $%d", argIndex)
		args = append(args, *update.PlaybackID)
		argIndex++
	}
	if update.ErrorDetail != nil {
		query += fmt.Sprintf(", error_detail = $%d", argIndex)
		args = append(args, *update.ErrorDetail)
		argIndex++
	}

	query += ` WHERE id = $1 AND status = $2`

	result, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition lesson: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Distinguish a missing lesson from a lost race
		if _, err := p.GetLesson(ctx, lessonID); err != nil {
			return err
		}
		return ErrConflict
	}

	return nil
}

// SetPlaybackID is the explicit playback-id-selection path; it may overwrite
// the stored playback ID but only for a published lesson.
func (p *postgres) SetPlaybackID(ctx context.Context, lessonID, playbackID string) error {
	query := `UPDATE lessons SET mux_playback_id = $2 WHERE id = $1 AND status = $3`

	result, err := p.db.Exec(ctx, query, lessonID, playbackID, model.StatusPublished)
	if err != nil {
		return fmt.Errorf("failed to set playback id: %w", err)
	}

	if result.RowsAffected() == 0 {
		if _, err := p.GetLesson(ctx, lessonID); err != nil {
			return err
		}
		return ErrConflict
	}

	return nil
}

func (p *postgres) HasCompletedPurchase(ctx context.Context, userID, lessonID string) (bool, error) {
	query := `SELECT EXISTS (
	            SELECT 1 FROM purchases
	            WHERE user_id = $1 AND lesson_id = $2 AND status = $3
	          )`

	var exists bool
	if err := p.db.QueryRow(ctx, query, userID, lessonID, model.PurchaseCompleted).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check purchase: %w", err)
	}
	return exists, nil
}

func (p *postgres) AppendTransition(ctx context.Context, entry model.TransitionEntry) error {
	query := `INSERT INTO media_transitions (id, lesson_id, from_status, to_status, source, detail, occurred_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := p.db.Exec(ctx, query,
		entry.ID,
		entry.LessonID,
		entry.From,
		entry.To,
		entry.Source,
		entry.Detail,
		entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

func (p *postgres) ListTransitions(ctx context.Context, lessonID string) ([]model.TransitionEntry, error) {
	query := `SELECT id, lesson_id, from_status, to_status, source, COALESCE(detail, ''), occurred_at
	          FROM media_transitions WHERE lesson_id = $1 ORDER BY id`

	rows, err := p.db.Query(ctx, query, lessonID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var entries []model.TransitionEntry
	for rows.Next() {
		var entry model.TransitionEntry
		err := rows.Scan(
			&entry.ID,
			&entry.LessonID,
			&entry.From,
			&entry.To,
			&entry.Source,
			&entry.Detail,
			&entry.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return entries, nil
}
