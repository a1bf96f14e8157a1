// Package cleanup は終端状態レコードの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過したdeletedリースと完了済み
// ブロードキャストジョブを日次バッチで削除する。リースに従属する
// メッセージはCASCADE削除で自動的に処理される。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を超過した終端状態レコードの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 終端状態レコードの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: 30,
	}
}

// Run は保持期間を超過した終端状態レコードを削除する。
// updated_atがRetentionDays日前より古いdeletedリースと、
// completed_atが同様に古い完了済みブロードキャストジョブをDELETEする。
// mail_messagesはCASCADE削除により自動的に削除される。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	leaseQuery := `DELETE FROM leases WHERE state = 'deleted' AND updated_at < now() - $1::interval`
	leaseResult, err := j.db.ExecContext(ctx, leaseQuery, interval)
	if err != nil {
		j.logger.Error("リースクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("リースクリーンアップの実行に失敗: %w", err)
	}

	deletedLeases, err := leaseResult.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	jobQuery := `DELETE FROM broadcast_jobs WHERE status = 'completed' AND completed_at < now() - $1::interval`
	jobResult, err := j.db.ExecContext(ctx, jobQuery, interval)
	if err != nil {
		j.logger.Error("ブロードキャストジョブのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("ブロードキャストジョブのクリーンアップに失敗: %w", err)
	}

	deletedJobs, err := jobResult.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_leases", deletedLeases),
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
