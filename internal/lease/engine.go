package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tempro/internal/metrics"
	"github.com/hitoshi/tempro/internal/model"
	"github.com/hitoshi/tempro/internal/notify"
	"github.com/hitoshi/tempro/internal/quota"
	"github.com/hitoshi/tempro/internal/repository"
)

// Config はリースエンジンの設定を保持する。
type Config struct {
	// TTLs は種別ごとの有効期間。
	TTLs map[model.LeaseKind]time.Duration
	// TeardownMaxAttempts はティアダウン失敗の上限。超えると手動確認行きになる。
	TeardownMaxAttempts int
	// RenewFromWarning は警告済み状態からの更新を許可するか。
	RenewFromWarning bool
	// RenewCountsAsCreation は更新を作成レートの消費として数えるか。
	RenewCountsAsCreation bool
}

// DefaultConfig はデフォルトのエンジン設定を返す。
func DefaultConfig() Config {
	return Config{
		TTLs: map[model.LeaseKind]time.Duration{
			model.LeaseKindEmail:   24 * time.Hour,
			model.LeaseKindSubBot:  7 * 24 * time.Hour,
			model.LeaseKindSession: 24 * time.Hour,
		},
		TeardownMaxAttempts: 5,
		RenewFromWarning:    true,
	}
}

// Engine はリースのライフサイクルを統括する。
// 作成フロー: クォータ予約 → 外部リソース確保 → 永続化。
// 途中で失敗した場合は確保済みの分を巻き戻す。
// 破棄フロー: ティアダウン → deleted遷移 → クォータ解放。
// ティアダウンが先、解放が最後。解放を先にすると、ティアダウン失敗時に
// 外部リソースが残ったまま所有者が新規作成できてしまう。
type Engine struct {
	leaseRepo repository.LeaseRepository
	tracker   *quota.Tracker
	handlers  map[model.LeaseKind]KindHandler
	transport notify.Transport
	collector metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(
	leaseRepo repository.LeaseRepository,
	tracker *quota.Tracker,
	handlers map[model.LeaseKind]KindHandler,
	transport notify.Transport,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	return &Engine{
		leaseRepo: leaseRepo,
		tracker:   tracker,
		handlers:  handlers,
		transport: transport,
		collector: collector,
		logger:    logger,
		cfg:       cfg,
	}
}

// Create は新しいリースを作成する。
// フロー: クォータ予約 → 種別ごとのプロビジョニング → 永続化。
// 下流で失敗した場合は予約を解放してから失敗を返す。
func (e *Engine) Create(ctx context.Context, ownerID string, kind model.LeaseKind) (*model.Lease, error) {
	if ownerID == "" {
		return nil, model.NewValidationError("所有者IDが指定されていません")
	}
	handler, ok := e.handlers[kind]
	if !ok {
		return nil, model.NewValidationError("サポートされていないリース種別です: " + string(kind))
	}

	if err := e.tracker.TryReserve(ownerID, kind); err != nil {
		e.recordDenial(err)
		return nil, err
	}

	metadata, err := handler.Provision(ctx, ownerID)
	if err != nil {
		e.tracker.Release(ownerID, kind)
		return nil, err
	}

	now := time.Now().UTC()
	lease := &model.Lease{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Kind:      kind,
		State:     model.LeaseStateActive,
		Metadata:  metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttlFor(kind)),
		UpdatedAt: now,
	}

	if err := e.leaseRepo.Create(ctx, lease); err != nil {
		// 永続化に失敗した場合、確保済みの外部リソースと予約を巻き戻す。
		// ティアダウン失敗はログのみ（リース行がないため再試行の足場がない）。
		if tdErr := handler.Teardown(ctx, lease); tdErr != nil {
			e.logger.Error("永続化失敗後の巻き戻しティアダウンに失敗しました",
				slog.String("owner_id", ownerID),
				slog.String("kind", string(kind)),
				slog.String("error", tdErr.Error()),
			)
		}
		e.tracker.Release(ownerID, kind)
		return nil, fmt.Errorf("リースの保存に失敗しました: %w", err)
	}

	e.collector.RecordLeaseCreated(string(kind))
	e.logger.Info("リースを作成しました",
		slog.String("lease_id", lease.ID),
		slog.String("owner_id", ownerID),
		slog.String("kind", string(kind)),
		slog.Time("expires_at", lease.ExpiresAt),
	)
	return lease, nil
}

// Get は所有者のリースを取得する。
// 他の所有者のリースは存在を秘匿するため未検出として扱う。
func (e *Engine) Get(ctx context.Context, leaseID, ownerID string) (*model.Lease, error) {
	lease, err := e.leaseRepo.FindByID(ctx, leaseID)
	if err != nil {
		return nil, fmt.Errorf("リースの検索に失敗しました: %w", err)
	}
	if lease == nil || lease.OwnerID != ownerID || lease.State == model.LeaseStateDeleted {
		return nil, model.NewLeaseNotFoundError(leaseID)
	}
	return lease, nil
}

// ListByOwner は所有者の削除済みを除くリース一覧を返す。
func (e *Engine) ListByOwner(ctx context.Context, ownerID string) ([]*model.Lease, error) {
	leases, err := e.leaseRepo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("リース一覧の取得に失敗しました: %w", err)
	}
	return leases, nil
}

// Renew はリースの有効期間を現在時刻からTTL分延長する。
// active、およびポリシーが許可する場合はpending_warningからの更新を受け付ける。
// pending_warningからの更新はactiveに巻き戻す。
func (e *Engine) Renew(ctx context.Context, leaseID, ownerID string) (*model.Lease, error) {
	lease, err := e.Get(ctx, leaseID, ownerID)
	if err != nil {
		return nil, err
	}

	switch lease.State {
	case model.LeaseStateActive:
		// そのまま延長できる
	case model.LeaseStatePendingWarning:
		if !e.cfg.RenewFromWarning {
			return nil, model.NewStateConflictError(leaseID, lease.State)
		}
	default:
		return nil, model.NewStateConflictError(leaseID, lease.State)
	}

	if e.cfg.RenewCountsAsCreation {
		if !e.tracker.AllowCreationRate(ownerID, lease.Kind) {
			err := model.NewRateLimitedError(lease.Kind)
			e.recordDenial(err)
			return nil, err
		}
	}

	newExpiry := time.Now().UTC().Add(e.ttlFor(lease.Kind))
	ok, err := e.leaseRepo.Renew(ctx, leaseID, lease.State, model.LeaseStateActive, newExpiry)
	if err != nil {
		return nil, fmt.Errorf("リースの更新に失敗しました: %w", err)
	}
	if !ok {
		// スイープと競合して状態が先に進んだ
		return nil, model.NewStateConflictError(leaseID, lease.State)
	}

	lease.State = model.LeaseStateActive
	lease.ExpiresAt = newExpiry
	e.logger.Info("リースを更新しました",
		slog.String("lease_id", leaseID),
		slog.String("owner_id", ownerID),
		slog.Time("expires_at", newExpiry),
	)
	return lease, nil
}

// RecordUsage はリースの使用回数を1増やす。
// 削除済み・未検出のリースに対しては未検出エラーを返す。
func (e *Engine) RecordUsage(ctx context.Context, leaseID string) error {
	ok, err := e.leaseRepo.IncrementUsage(ctx, leaseID)
	if err != nil {
		return fmt.Errorf("使用回数の記録に失敗しました: %w", err)
	}
	if !ok {
		return model.NewLeaseNotFoundError(leaseID)
	}
	return nil
}

// Delete は所有者によるリースの明示的な削除。冪等であり、
// 既に削除済み・未検出のリースに対してはエラーを返さない。
func (e *Engine) Delete(ctx context.Context, leaseID, ownerID string) error {
	lease, err := e.leaseRepo.FindByID(ctx, leaseID)
	if err != nil {
		return fmt.Errorf("リースの検索に失敗しました: %w", err)
	}
	if lease == nil || lease.OwnerID != ownerID || lease.State == model.LeaseStateDeleted {
		return nil
	}
	return e.Destroy(ctx, lease)
}

// Destroy はリースを破棄する共通パス。削除と期限切れ処理の双方が通る。
// 順序: ティアダウン → deleted遷移（CAS） → クォータ解放。
// ティアダウン失敗時は試行回数を記録し、上限到達で手動確認行きにして
// 運用者に通知する。手動確認行きのリースはスイープ対象から外れる。
func (e *Engine) Destroy(ctx context.Context, lease *model.Lease) error {
	handler, ok := e.handlers[lease.Kind]
	if !ok {
		return model.NewValidationError("サポートされていないリース種別です: " + string(lease.Kind))
	}

	if err := handler.Teardown(ctx, lease); err != nil {
		return e.handleTeardownFailure(ctx, lease, err)
	}

	transitioned, err := e.leaseRepo.Transition(ctx, lease.ID, lease.State, model.LeaseStateDeleted)
	if err != nil {
		return fmt.Errorf("リースの削除遷移に失敗しました: %w", err)
	}
	if !transitioned {
		// 並行する破棄が先に完了した。クォータの二重解放を避けてここで終わる。
		e.logger.Info("リースは並行する操作により既に遷移済みです",
			slog.String("lease_id", lease.ID),
			slog.String("from_state", string(lease.State)),
		)
		return nil
	}

	e.tracker.Release(lease.OwnerID, lease.Kind)
	e.collector.RecordLeaseDeleted(string(lease.Kind))
	e.logger.Info("リースを破棄しました",
		slog.String("lease_id", lease.ID),
		slog.String("owner_id", lease.OwnerID),
		slog.String("kind", string(lease.Kind)),
	)
	return nil
}

// handleTeardownFailure はティアダウン失敗時の試行回数管理を行う。
func (e *Engine) handleTeardownFailure(ctx context.Context, lease *model.Lease, tdErr error) error {
	e.collector.RecordTeardownFailure(string(lease.Kind))

	attempts, err := e.leaseRepo.IncrementTeardownAttempts(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("ティアダウン試行回数の記録に失敗しました: %w", err)
	}

	e.logger.Error("ティアダウンに失敗しました",
		slog.String("lease_id", lease.ID),
		slog.String("kind", string(lease.Kind)),
		slog.Int("attempts", attempts),
		slog.String("error", tdErr.Error()),
	)

	if attempts >= e.cfg.TeardownMaxAttempts {
		if err := e.leaseRepo.MarkForReview(ctx, lease.ID); err != nil {
			return fmt.Errorf("手動確認フラグの設定に失敗しました: %w", err)
		}
		e.collector.RecordNeedsReview(string(lease.Kind))

		content := fmt.Sprintf("リース %s (%s) のティアダウンが %d 回失敗しました。手動確認が必要です。",
			lease.ID, lease.Kind, attempts)
		if err := e.transport.NotifyOperator(ctx, content); err != nil {
			// 通知の失敗で破棄フローを止めない
			e.logger.Error("運用者への通知に失敗しました",
				slog.String("lease_id", lease.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return fmt.Errorf("ティアダウンに失敗しました: %w", tdErr)
}

// ttlFor は種別のTTLを返す。未設定の種別は24時間にフォールバックする。
func (e *Engine) ttlFor(kind model.LeaseKind) time.Duration {
	if ttl, ok := e.cfg.TTLs[kind]; ok && ttl > 0 {
		return ttl
	}
	return 24 * time.Hour
}

// recordDenial はクォータ拒否のメトリクスを理由付きで記録する。
func (e *Engine) recordDenial(err error) {
	if apiErr, ok := err.(*model.APIError); ok {
		switch apiErr.Code {
		case model.ErrCodeQuotaExceeded:
			e.collector.RecordQuotaDenied("cap")
		case model.ErrCodeRateLimited:
			e.collector.RecordQuotaDenied("rate")
		}
	}
}
