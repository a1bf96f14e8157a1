package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/tempro/internal/model"
)

// PostgresLeaseRepo はPostgreSQLを使用したリースリポジトリ。
type PostgresLeaseRepo struct {
	db *sql.DB
}

// NewPostgresLeaseRepo はPostgresLeaseRepoを生成する。
func NewPostgresLeaseRepo(db *sql.DB) *PostgresLeaseRepo {
	return &PostgresLeaseRepo{db: db}
}

const leaseColumns = `id, owner_id, kind, state, usage_counter, teardown_attempts, needs_review, metadata, created_at, expires_at, updated_at`

// scanLease は1行をLeaseにスキャンする。
func scanLease(row interface{ Scan(...any) error }) (*model.Lease, error) {
	lease := &model.Lease{}
	var metadataRaw []byte
	err := row.Scan(
		&lease.ID, &lease.OwnerID, &lease.Kind, &lease.State,
		&lease.UsageCounter, &lease.TeardownAttempts, &lease.NeedsReview,
		&metadataRaw, &lease.CreatedAt, &lease.ExpiresAt, &lease.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &lease.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal lease metadata: %w", err)
		}
	}
	return lease, nil
}

// Create は新規リースを作成する。ID重複の場合はDUPLICATE_LEASEエラーを返す。
func (r *PostgresLeaseRepo) Create(ctx context.Context, lease *model.Lease) error {
	metadata := lease.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataRaw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal lease metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO leases (id, owner_id, kind, state, usage_counter, teardown_attempts, needs_review, metadata, created_at, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		lease.ID, lease.OwnerID, lease.Kind, lease.State,
		lease.UsageCounter, lease.TeardownAttempts, lease.NeedsReview,
		metadataRaw, lease.CreatedAt, lease.ExpiresAt, lease.UpdatedAt,
	)
	if err != nil {
		// 23505 = unique_violation
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return model.NewDuplicateLeaseError(lease.ID)
		}
		return fmt.Errorf("failed to create lease: %w", err)
	}
	return nil
}

// FindByID は指定IDのリースを取得する。見つからない場合はnilを返す。
func (r *PostgresLeaseRepo) FindByID(ctx context.Context, id string) (*model.Lease, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE id = $1`, id)

	lease, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lease: %w", err)
	}
	return lease, nil
}

// ListByOwner は所有者のdeleted以外のリース一覧を返す。
func (r *PostgresLeaseRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.Lease, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM leases
		 WHERE owner_id = $1 AND state <> 'deleted'
		 ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases by owner: %w", err)
	}
	defer rows.Close()

	return collectLeases(rows)
}

// ListDueForWarning は期限前警告の対象リースを返す。
func (r *PostgresLeaseRepo) ListDueForWarning(ctx context.Context, now time.Time, offset time.Duration) ([]*model.Lease, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM leases
		 WHERE state = 'active'
		   AND expires_at > $1
		   AND expires_at <= $2
		 ORDER BY expires_at`,
		now, now.Add(offset),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases due for warning: %w", err)
	}
	defer rows.Close()

	return collectLeases(rows)
}

// ListDueForExpiry は期限到達済みの処理対象リースを返す。
// needs_reviewが立っているリースはオペレータ対応待ちのため除外する。
func (r *PostgresLeaseRepo) ListDueForExpiry(ctx context.Context, now time.Time) ([]*model.Lease, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM leases
		 WHERE state IN ('active', 'pending_warning', 'expired')
		   AND expires_at <= $1
		   AND needs_review = FALSE
		 ORDER BY expires_at`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases due for expiry: %w", err)
	}
	defer rows.Close()

	return collectLeases(rows)
}

// Transition はcompare-and-swapで状態を遷移させる。
// 現在の状態がfromと一致しない場合はfalseを返す。
func (r *PostgresLeaseRepo) Transition(ctx context.Context, id string, from, to model.LeaseState) (bool, error) {
	if !model.CanTransition(from, to) {
		return false, fmt.Errorf("invalid lease transition: %s -> %s", from, to)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE leases SET state = $3, updated_at = now()
		 WHERE id = $1 AND state = $2`,
		id, from, to,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition lease: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read transition result: %w", err)
	}
	return affected > 0, nil
}

// Renew はcompare-and-swapで状態遷移と期限更新を同時に行う。
func (r *PostgresLeaseRepo) Renew(ctx context.Context, id string, from, to model.LeaseState, expiresAt time.Time) (bool, error) {
	if from != to && !model.CanTransition(from, to) {
		return false, fmt.Errorf("invalid lease transition: %s -> %s", from, to)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE leases SET state = $3, expires_at = $4, updated_at = now()
		 WHERE id = $1 AND state = $2`,
		id, from, to, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read renew result: %w", err)
	}
	return affected > 0, nil
}

// IncrementUsage はusage_counterをアトミックにインクリメントする。
func (r *PostgresLeaseRepo) IncrementUsage(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE leases SET usage_counter = usage_counter + 1, updated_at = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to increment usage counter: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read increment result: %w", err)
	}
	return affected > 0, nil
}

// IncrementTeardownAttempts はteardown失敗回数をインクリメントし、更新後の値を返す。
func (r *PostgresLeaseRepo) IncrementTeardownAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`UPDATE leases SET teardown_attempts = teardown_attempts + 1, updated_at = now()
		 WHERE id = $1
		 RETURNING teardown_attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to increment teardown attempts: %w", err)
	}
	return attempts, nil
}

// MarkForReview はリースをオペレータ確認待ちとしてマークする。
func (r *PostgresLeaseRepo) MarkForReview(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE leases SET needs_review = TRUE, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark lease for review: %w", err)
	}
	return nil
}

// ListActiveOwnerIDs は有効なリースを1つ以上保有する所有者IDの集合を返す。
func (r *PostgresLeaseRepo) ListActiveOwnerIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT owner_id FROM leases
		 WHERE state IN ('active', 'pending_warning')
		 ORDER BY owner_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active owner ids: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan owner id: %w", err)
		}
		owners = append(owners, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate owner ids: %w", err)
	}
	return owners, nil
}

// ActiveCounts は (owner, kind) ごとの有効リース数を返す。
func (r *PostgresLeaseRepo) ActiveCounts(ctx context.Context) ([]ActiveCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT owner_id, kind, COUNT(*) FROM leases
		 WHERE state IN ('active', 'pending_warning')
		 GROUP BY owner_id, kind`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate active counts: %w", err)
	}
	defer rows.Close()

	var counts []ActiveCount
	for rows.Next() {
		var c ActiveCount
		if err := rows.Scan(&c.OwnerID, &c.Kind, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan active count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active counts: %w", err)
	}
	return counts, nil
}

// DailyStats は指定UTC暦日の統計を集計して返す。
// 日付境界はUTC固定（タイムゾーンはデプロイ設定に依存させない）。
func (r *PostgresLeaseRepo) DailyStats(ctx context.Context, day time.Time) (*DailyStats, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	stats := &DailyStats{Day: dayStart}

	err := r.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM leases WHERE created_at >= $1 AND created_at < $2),
		   (SELECT COUNT(*) FROM leases WHERE state = 'deleted' AND updated_at >= $1 AND updated_at < $2),
		   (SELECT COUNT(*) FROM mail_messages WHERE created_at >= $1 AND created_at < $2),
		   (SELECT COUNT(*) FROM leases WHERE state IN ('active', 'pending_warning')),
		   (SELECT COUNT(DISTINCT owner_id) FROM leases WHERE state IN ('active', 'pending_warning'))`,
		dayStart, dayEnd,
	).Scan(
		&stats.LeasesCreated, &stats.LeasesDeleted, &stats.MessagesStored,
		&stats.ActiveLeases, &stats.ActiveOwners,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate daily stats: %w", err)
	}
	return stats, nil
}

// collectLeases は結果セット全体をLeaseのスライスに変換する。
func collectLeases(rows *sql.Rows) ([]*model.Lease, error) {
	var leases []*model.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		leases = append(leases, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate leases: %w", err)
	}
	return leases, nil
}

// compile-time interface check
var _ LeaseRepository = (*PostgresLeaseRepo)(nil)
