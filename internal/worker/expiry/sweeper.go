// Package expiry はリースの期限スイープ処理を提供する。
// 期限前警告の通知と期限到達リースの破棄を定期実行する。
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hitoshi/tempro/internal/metrics"
	"github.com/hitoshi/tempro/internal/model"
	"github.com/hitoshi/tempro/internal/notify"
	"github.com/hitoshi/tempro/internal/repository"
)

// Destroyer はリースの破棄操作を表す。
type Destroyer interface {
	Destroy(ctx context.Context, lease *model.Lease) error
}

// Config はスイーパーの設定を保持する。
type Config struct {
	// Interval はスイープの実行間隔。
	Interval time.Duration
	// WarningOffset は期限前警告のオフセット。期限までの残りがこれを下回ると警告する。
	WarningOffset time.Duration
}

// DefaultConfig はデフォルトのスイーパー設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:      time.Minute,
		WarningOffset: time.Hour,
	}
}

// Sweeper は期限スイープを定期実行する。
// 1サイクルは警告パスと期限切れパスの2段階。前のサイクルが
// 実行中の場合、そのティックはスキップする（重複実行の防止）。
// 個々のリースの処理失敗はサイクル全体を止めない。
type Sweeper struct {
	leaseRepo repository.LeaseRepository
	destroyer Destroyer
	transport notify.Transport
	collector metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config

	running atomic.Bool
}

// NewSweeper はSweeperの新しいインスタンスを生成する。
func NewSweeper(
	leaseRepo repository.LeaseRepository,
	destroyer Destroyer,
	transport notify.Transport,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.WarningOffset <= 0 {
		cfg.WarningOffset = time.Hour
	}
	return &Sweeper{
		leaseRepo: leaseRepo,
		destroyer: destroyer,
		transport: transport,
		collector: collector,
		logger:    logger,
		cfg:       cfg,
	}
}

// Start はティッカーでスイーパーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("期限スイーパーを開始しました",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("warning_offset", s.cfg.WarningOffset),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スイープサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("期限スイーパーを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("スイープサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はスイープを1サイクル実行する。
// 前のサイクルが実行中の場合は何もせずnilを返す。
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("前のスイープサイクルが実行中のためスキップします")
		return nil
	}
	defer s.running.Store(false)

	start := time.Now()
	now := start.UTC()

	warned, err := s.warningPass(ctx, now)
	if err != nil {
		return err
	}
	expired, err := s.expiryPass(ctx, now)
	if err != nil {
		return err
	}

	duration := time.Since(start)
	s.collector.RecordSweepDuration(duration)

	if warned > 0 || expired > 0 {
		s.logger.Info("スイープサイクルが完了しました",
			slog.Int("warned", warned),
			slog.Int("expired", expired),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	}
	return nil
}

// warningPass は期限が近いリースに警告を通知し、pending_warningに遷移させる。
// CASに負けたリースは並行する操作（更新・削除）が先に処理したためスキップする。
func (s *Sweeper) warningPass(ctx context.Context, now time.Time) (int, error) {
	leases, err := s.leaseRepo.ListDueForWarning(ctx, now, s.cfg.WarningOffset)
	if err != nil {
		return 0, fmt.Errorf("警告対象の取得に失敗しました: %w", err)
	}

	warned := 0
	for _, lease := range leases {
		ok, err := s.leaseRepo.Transition(ctx, lease.ID, model.LeaseStateActive, model.LeaseStatePendingWarning)
		if err != nil {
			s.logger.Error("警告遷移に失敗しました",
				slog.String("lease_id", lease.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}

		remaining := lease.ExpiresAt.Sub(now).Round(time.Minute)
		content := fmt.Sprintf("%s の有効期限まで残り %s です。継続する場合は更新してください。",
			s.describeLease(lease), remaining)
		if err := s.transport.Deliver(ctx, lease.OwnerID, content); err != nil {
			// 通知の失敗で遷移を巻き戻さない。期限自体は次のパスで処理される。
			s.logger.Error("期限前警告の配信に失敗しました",
				slog.String("lease_id", lease.ID),
				slog.String("owner_id", lease.OwnerID),
				slog.String("error", err.Error()),
			)
		}
		warned++
	}
	return warned, nil
}

// expiryPass は期限到達リースをexpiredに遷移させてから破棄する。
// 既にexpiredのリース（前回のサイクルでティアダウンに失敗した分）は
// 遷移をスキップして破棄のみ再試行する。
func (s *Sweeper) expiryPass(ctx context.Context, now time.Time) (int, error) {
	leases, err := s.leaseRepo.ListDueForExpiry(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("期限切れ対象の取得に失敗しました: %w", err)
	}

	expired := 0
	for _, lease := range leases {
		if lease.State != model.LeaseStateExpired {
			ok, err := s.leaseRepo.Transition(ctx, lease.ID, lease.State, model.LeaseStateExpired)
			if err != nil {
				s.logger.Error("期限切れ遷移に失敗しました",
					slog.String("lease_id", lease.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !ok {
				// 並行する更新・削除が先に処理した
				continue
			}
			lease.State = model.LeaseStateExpired
			s.collector.RecordLeaseExpired(string(lease.Kind))
		}

		if err := s.destroyer.Destroy(ctx, lease); err != nil {
			// 失敗したリースはexpiredのまま残り、次のサイクルで再試行される
			s.logger.Error("期限切れリースの破棄に失敗しました",
				slog.String("lease_id", lease.ID),
				slog.String("kind", string(lease.Kind)),
				slog.String("error", err.Error()),
			)
			continue
		}
		expired++
	}
	return expired, nil
}

// describeLease は所有者向け通知のためのリース表記を返す。
func (s *Sweeper) describeLease(lease *model.Lease) string {
	switch lease.Kind {
	case model.LeaseKindEmail:
		if addr := lease.EmailAddress(); addr != "" {
			return "一時メール " + addr
		}
		return "一時メール"
	case model.LeaseKindSubBot:
		return "サブボット"
	case model.LeaseKindSession:
		return "セッション"
	}
	return string(lease.Kind)
}
