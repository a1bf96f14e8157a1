// Package broadcast は全所有者への一斉配信処理を提供する。
// ワーカープールによる並列配信、一時エラーのリトライ、部分失敗の集計を含む。
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tempro/internal/metrics"
	"github.com/hitoshi/tempro/internal/model"
	"github.com/hitoshi/tempro/internal/notify"
	"github.com/hitoshi/tempro/internal/repository"
)

// Config はディスパッチャの設定を保持する。
type Config struct {
	// Concurrency は配信の最大並列数。
	Concurrency int
	// MaxRetries は一時エラーの宛先ごとの最大リトライ回数。
	MaxRetries int
	// RetryBase は指数バックオフの初回遅延。
	RetryBase time.Duration
}

// DefaultConfig はデフォルトのディスパッチャ設定を返す。
func DefaultConfig() Config {
	return Config{
		Concurrency: 20,
		MaxRetries:  3,
		RetryBase:   time.Second,
	}
}

// Dispatcher は一斉配信ジョブを実行する。
// Dispatchは即座にジョブを返し、配信はバックグラウンドで進行する。
// 1宛先の失敗は他の宛先の配信を妨げず、最終集計では
// 成功数+失敗数が必ず宛先数に一致する。
type Dispatcher struct {
	leaseRepo repository.LeaseRepository
	jobRepo   repository.BroadcastJobRepository
	transport notify.Transport
	collector metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config

	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]*jobState
}

// jobState は進行中ジョブのインメモリ集計。
// finishedは最終集計の書き込みを1回に限定するためのフラグで、
// 通常完了と打ち切りが競合しても二重書き込みしない。
type jobState struct {
	job      *model.BroadcastJob
	success  atomic.Int64
	failed   atomic.Int64
	finished atomic.Bool
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
func NewDispatcher(
	leaseRepo repository.LeaseRepository,
	jobRepo repository.BroadcastJobRepository,
	transport notify.Transport,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 20
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Dispatcher{
		leaseRepo: leaseRepo,
		jobRepo:   jobRepo,
		transport: transport,
		collector: collector,
		logger:    logger,
		cfg:       cfg,
		running:   make(map[string]*jobState),
	}
}

// Dispatch は有効リースを保有する全所有者への配信ジョブを開始する。
// 宛先解決とジョブレコードの作成までを同期で行い、配信自体は
// バックグラウンドで進行する。返されるジョブはrunning状態。
func (d *Dispatcher) Dispatch(ctx context.Context, message string) (*model.BroadcastJob, error) {
	if message == "" {
		return nil, model.NewValidationError("配信メッセージが空です")
	}

	owners, err := d.leaseRepo.ListActiveOwnerIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("配信先の解決に失敗しました: %w", err)
	}

	job := &model.BroadcastJob{
		ID:          uuid.NewString(),
		Message:     message,
		TargetCount: len(owners),
		Status:      model.BroadcastStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := d.jobRepo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("配信ジョブの作成に失敗しました: %w", err)
	}

	d.logger.Info("一斉配信を開始しました",
		slog.String("job_id", job.ID),
		slog.Int("target_count", len(owners)),
	)

	st := &jobState{job: job}
	d.mu.Lock()
	d.running[job.ID] = st
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(st, owners)

	cp := *job
	return &cp, nil
}

// Status は配信ジョブの現在の状態を返す。
func (d *Dispatcher) Status(ctx context.Context, jobID string) (*model.BroadcastJob, error) {
	job, err := d.jobRepo.FindByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("配信ジョブの検索に失敗しました: %w", err)
	}
	if job == nil {
		return nil, model.NewBroadcastNotFoundError(jobID)
	}
	return job, nil
}

// Wait は進行中の全配信ジョブの完了を待つ。期限なし。
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown は進行中の全配信ジョブの完了をctxの期限まで待つ。
// 期限内に完了しなかった場合は残りの配信を打ち切り、打ち切った宛先数を
// ログと失敗数に計上した部分集計を書き込んでctx.Err()を返す。
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.abandonRunning()
		return ctx.Err()
	}
}

// abandonRunning は進行中ジョブの時点集計を確定させる。
// 未配信の宛先は失敗として計上し、ジョブをrunningのまま残さない。
func (d *Dispatcher) abandonRunning() {
	d.mu.Lock()
	states := make([]*jobState, 0, len(d.running))
	for _, st := range d.running {
		states = append(states, st)
	}
	d.mu.Unlock()

	for _, st := range states {
		if !st.finished.CompareAndSwap(false, true) {
			continue
		}
		s, f := int(st.success.Load()), int(st.failed.Load())
		abandoned := st.job.TargetCount - s - f

		d.logger.Error("一斉配信を打ち切りました",
			slog.String("job_id", st.job.ID),
			slog.Int("target_count", st.job.TargetCount),
			slog.Int("success", s),
			slog.Int("failed", f),
			slog.Int("abandoned", abandoned),
		)
		d.collector.RecordBroadcastDelivered(s)
		d.collector.RecordBroadcastFailed(f + abandoned)

		// シャットダウン期限は過ぎているため、書き込みだけ短い猶予で行う
		finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.jobRepo.Finish(finishCtx, st.job.ID, s, f+abandoned, time.Now().UTC()); err != nil {
			d.logger.Error("配信ジョブの打ち切り記録に失敗しました",
				slog.String("job_id", st.job.ID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// run はワーカープールで全宛先に配信し、完了時に最終集計を書き込む。
// サーバーのリクエストコンテキストから切り離して実行する。
func (d *Dispatcher) run(st *jobState, owners []string) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.running, st.job.ID)
		d.mu.Unlock()
	}()

	ctx := context.Background()
	job := st.job

	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, owner := range owners {
		wg.Add(1)
		sem <- struct{}{}

		go func(ownerID string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := d.deliverWithRetry(ctx, ownerID, job.Message); err != nil {
				st.failed.Add(1)
				d.logger.Error("配信に失敗しました",
					slog.String("job_id", job.ID),
					slog.String("owner_id", ownerID),
					slog.String("error", err.Error()),
				)
				return
			}
			st.success.Add(1)
		}(owner)
	}

	wg.Wait()

	// 打ち切り済みなら部分集計が書かれているので何もしない
	if !st.finished.CompareAndSwap(false, true) {
		return
	}

	s, f := int(st.success.Load()), int(st.failed.Load())
	d.collector.RecordBroadcastDelivered(s)
	d.collector.RecordBroadcastFailed(f)

	if err := d.jobRepo.Finish(ctx, job.ID, s, f, time.Now().UTC()); err != nil {
		d.logger.Error("配信ジョブの完了記録に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	d.logger.Info("一斉配信が完了しました",
		slog.String("job_id", job.ID),
		slog.Int("target_count", job.TargetCount),
		slog.Int("success", s),
		slog.Int("failed", f),
	)
}

// deliverWithRetry は1宛先への配信を行う。
// 一時エラーは指数バックオフで上限回数までリトライし、
// 恒久エラー（宛先不明など）は即座に失敗として確定する。
func (d *Dispatcher) deliverWithRetry(ctx context.Context, ownerID, message string) error {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := d.cfg.RetryBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := d.transport.Deliver(ctx, ownerID, message)
		if err == nil {
			return nil
		}
		if model.IsPermanent(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
