package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/tempro/internal/model"
)

// PostgresBroadcastRepo はPostgreSQLを使用したブロードキャストジョブリポジトリ。
type PostgresBroadcastRepo struct {
	db *sql.DB
}

// NewPostgresBroadcastRepo はPostgresBroadcastRepoを生成する。
func NewPostgresBroadcastRepo(db *sql.DB) *PostgresBroadcastRepo {
	return &PostgresBroadcastRepo{db: db}
}

// Create はrunning状態のジョブレコードを作成する。
func (r *PostgresBroadcastRepo) Create(ctx context.Context, job *model.BroadcastJob) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO broadcast_jobs (id, message, target_count, success_count, failed_count, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.Message, job.TargetCount, job.SuccessCount, job.FailedCount,
		job.Status, job.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create broadcast job: %w", err)
	}
	return nil
}

// Finish はジョブを完了状態にし、最終集計を書き込む。
func (r *PostgresBroadcastRepo) Finish(ctx context.Context, id string, success, failed int, completedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE broadcast_jobs
		 SET success_count = $2, failed_count = $3, status = $4, completed_at = $5
		 WHERE id = $1`,
		id, success, failed, model.BroadcastStatusCompleted, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish broadcast job: %w", err)
	}
	return nil
}

// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresBroadcastRepo) FindByID(ctx context.Context, id string) (*model.BroadcastJob, error) {
	job := &model.BroadcastJob{}
	var completedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, message, target_count, success_count, failed_count, status, started_at, completed_at
		 FROM broadcast_jobs WHERE id = $1`,
		id,
	).Scan(&job.ID, &job.Message, &job.TargetCount, &job.SuccessCount, &job.FailedCount,
		&job.Status, &job.StartedAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find broadcast job: %w", err)
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

// compile-time interface check
var _ BroadcastJobRepository = (*PostgresBroadcastRepo)(nil)
