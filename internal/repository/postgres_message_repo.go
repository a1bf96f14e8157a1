package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tempro/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用した受信メッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Upsert はメッセージを冪等に挿入する。
// (lease_id, provider_id) が既に存在する場合は何もせずfalseを返す。
func (r *PostgresMessageRepo) Upsert(ctx context.Context, msg *model.MailMessage) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO mail_messages (id, lease_id, provider_id, from_address, subject, body, received_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (lease_id, provider_id) DO NOTHING`,
		msg.ID, msg.LeaseID, msg.ProviderID, msg.From, msg.Subject, msg.Body,
		msg.ReceivedAt, msg.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert mail message: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read upsert result: %w", err)
	}
	return affected > 0, nil
}

// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
func (r *PostgresMessageRepo) FindByID(ctx context.Context, id string) (*model.MailMessage, error) {
	msg := &model.MailMessage{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, lease_id, provider_id, from_address, subject, body, received_at, created_at
		 FROM mail_messages WHERE id = $1`,
		id,
	).Scan(&msg.ID, &msg.LeaseID, &msg.ProviderID, &msg.From, &msg.Subject, &msg.Body,
		&msg.ReceivedAt, &msg.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find mail message: %w", err)
	}
	return msg, nil
}

// ListByLease はリースのメッセージ一覧を受信日時降順で返す。
func (r *PostgresMessageRepo) ListByLease(ctx context.Context, leaseID string) ([]*model.MailMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, lease_id, provider_id, from_address, subject, body, received_at, created_at
		 FROM mail_messages
		 WHERE lease_id = $1
		 ORDER BY received_at DESC`,
		leaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list mail messages: %w", err)
	}
	defer rows.Close()

	var msgs []*model.MailMessage
	for rows.Next() {
		msg := &model.MailMessage{}
		if err := rows.Scan(&msg.ID, &msg.LeaseID, &msg.ProviderID, &msg.From, &msg.Subject,
			&msg.Body, &msg.ReceivedAt, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mail message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mail messages: %w", err)
	}
	return msgs, nil
}

// DeleteByLease はリースの全メッセージを削除し、削除件数を返す。
// 冪等: 対象がなくてもエラーにならない。
func (r *PostgresMessageRepo) DeleteByLease(ctx context.Context, leaseID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM mail_messages WHERE lease_id = $1`,
		leaseID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete mail messages: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}
	return affected, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
