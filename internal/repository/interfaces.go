// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/tempro/internal/model"
)

// ActiveCount は (owner, kind) ごとの有効リース数の集計行。
// クォータトラッカーの起動時シードに使用する。
type ActiveCount struct {
	OwnerID string
	Kind    model.LeaseKind
	Count   int
}

// DailyStats はUTC暦日単位の統計集計。
type DailyStats struct {
	Day            time.Time
	LeasesCreated  int
	LeasesDeleted  int
	MessagesStored int
	ActiveLeases   int
	ActiveOwners   int
}

// LeaseRepository はリースデータの永続化インターフェース。
// 全ての書き込みは単一リース粒度でアトミック。リース横断のトランザクションは提供しない。
type LeaseRepository interface {
	// Create は新規リースを作成する。ID重複の場合はDUPLICATE_LEASEエラーを返す。
	Create(ctx context.Context, lease *model.Lease) error

	// FindByID は指定IDのリースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Lease, error)

	// ListByOwner は所有者のdeleted以外のリース一覧を返す。
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Lease, error)

	// ListDueForWarning は期限前警告の対象リースを返す。
	// state = active かつ now < expires_at <= now + offset のリース。
	ListDueForWarning(ctx context.Context, now time.Time, offset time.Duration) ([]*model.Lease, error)

	// ListDueForExpiry は期限到達済みの処理対象リースを返す。
	// state ∈ {active, pending_warning, expired} かつ expires_at <= now のリース。
	// needs_reviewが立っているリースはオペレータ対応待ちのため除外する。
	ListDueForExpiry(ctx context.Context, now time.Time) ([]*model.Lease, error)

	// Transition はcompare-and-swapで状態を遷移させる。
	// 現在の状態がfromと一致しない場合はfalseを返す（並行処理による二重遷移の防止）。
	Transition(ctx context.Context, id string, from, to model.LeaseState) (bool, error)

	// Renew はcompare-and-swapで状態遷移と期限更新を同時に行う。
	// 明示的なrenewal操作のみがexpires_atを変更できる。
	Renew(ctx context.Context, id string, from, to model.LeaseState, expiresAt time.Time) (bool, error)

	// IncrementUsage はusage_counterをアトミックにインクリメントする。
	// リースが存在しない場合はfalseを返す。
	IncrementUsage(ctx context.Context, id string) (bool, error)

	// IncrementTeardownAttempts はteardown失敗回数をインクリメントし、更新後の値を返す。
	IncrementTeardownAttempts(ctx context.Context, id string) (int, error)

	// MarkForReview はリースをオペレータ確認待ちとしてマークする。
	// マークされたリースはスイープ対象から外れる。
	MarkForReview(ctx context.Context, id string) error

	// ListActiveOwnerIDs は有効なリースを1つ以上保有する所有者IDの集合を返す。
	// ブロードキャストの宛先解決に使用する。
	ListActiveOwnerIDs(ctx context.Context) ([]string, error)

	// ActiveCounts は (owner, kind) ごとの有効リース数を返す。
	ActiveCounts(ctx context.Context) ([]ActiveCount, error)

	// DailyStats は指定UTC暦日の統計を集計して返す。
	DailyStats(ctx context.Context, day time.Time) (*DailyStats, error)
}

// MessageRepository はメールリースの従属メッセージの永続化インターフェース。
type MessageRepository interface {
	// Upsert はメッセージを冪等に挿入する。
	// (lease_id, provider_id) が既に存在する場合は何もせずfalseを返す。
	Upsert(ctx context.Context, msg *model.MailMessage) (bool, error)

	// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.MailMessage, error)

	// ListByLease はリースのメッセージ一覧を受信日時降順で返す。
	ListByLease(ctx context.Context, leaseID string) ([]*model.MailMessage, error)

	// DeleteByLease はリースの全メッセージを削除し、削除件数を返す。
	// 冪等: 対象がなくてもエラーにならない。
	DeleteByLease(ctx context.Context, leaseID string) (int64, error)
}

// BroadcastJobRepository はブロードキャストジョブの永続化インターフェース。
// ディスパッチャのみが書き込む。
type BroadcastJobRepository interface {
	// Create はrunning状態のジョブレコードを作成する。
	Create(ctx context.Context, job *model.BroadcastJob) error

	// Finish はジョブを完了状態にし、最終集計を書き込む。
	Finish(ctx context.Context, id string, success, failed int, completedAt time.Time) error

	// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.BroadcastJob, error)
}
