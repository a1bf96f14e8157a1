// Package quota は所有者ごとのリース保有数と作成レートの制御を提供する。
// 同時保有数のcheck-and-incrementと、トークンバケットによる
// 作成レートウィンドウの2種類の制限を1つのトラッカーで管理する。
package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/tempro/internal/model"
)

// Config はクォータトラッカーの設定を保持する。
type Config struct {
	// Caps は種別ごとの同時保有数上限。未登録の種別は作成不可（上限0）。
	Caps map[model.LeaseKind]int
	// CreatePerMinute は (owner, kind) ごとの作成レート（回/分）。
	CreatePerMinute int
	// CreateBurst は作成レートのバーストサイズ。
	CreateBurst int
	// CleanupInterval はアイドルエントリのクリーンアップ間隔。
	CleanupInterval time.Duration
}

// DefaultConfig はデフォルトのクォータ設定を返す。
// 原典の運用値: メール5件/所有者、サブボット3件/所有者、作成5回/分。
func DefaultConfig() Config {
	return Config{
		Caps: map[model.LeaseKind]int{
			model.LeaseKindEmail:   5,
			model.LeaseKindSubBot:  3,
			model.LeaseKindSession: 10,
		},
		CreatePerMinute: 5,
		CreateBurst:     5,
		CleanupInterval: 5 * time.Minute,
	}
}

// key は (owner, kind) の複合キー。
type key struct {
	ownerID string
	kind    model.LeaseKind
}

// entry は (owner, kind) ごとの保有数カウンタとレートリミッタを保持する。
type entry struct {
	active     int
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Tracker は所有者ごとのリースクォータを管理する。
// 保有数の検査とインクリメントは同一ロック下で行われるため、
// 並行する予約が両方とも上限を超えて成功することはない。
// レートウィンドウはトークンバケットとして自己失効するため、
// Releaseが呼ばれなくてもクォータが恒久的に漏れることはない。
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	entries map[key]*entry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTracker は新しいTrackerを生成する。
// バックグラウンドでアイドルエントリのクリーンアップを開始する。
func NewTracker(cfg Config) *Tracker {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	t := &Tracker{
		cfg:     cfg,
		entries: make(map[key]*entry),
		stopCh:  make(chan struct{}),
	}

	go t.cleanupLoop()

	return t
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// TryReserve は (owner, kind) の保有枠を1つ予約する。
// 同時保有数上限または作成レート上限に達している場合は
// 状態を変更せずにAPIErrorを返す。成功時はnilを返す。
func (t *Tracker) TryReserve(ownerID string, kind model.LeaseKind) error {
	limit, ok := t.cfg.Caps[kind]
	if !ok || limit <= 0 {
		return model.NewValidationError("サポートされていないリース種別です: " + string(kind))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.getOrCreateLocked(ownerID, kind)

	if e.active >= limit {
		return model.NewQuotaExceededError(kind, limit)
	}
	// レート検査は保有数検査の後。拒否時にトークンを消費しない順序にすると
	// 上限超過の連打でウィンドウが埋まらない。
	if !e.limiter.Allow() {
		return model.NewRateLimitedError(kind)
	}

	e.active++
	return nil
}

// Release は (owner, kind) の保有枠を1つ解放する。
// 対応する予約が存在しない場合は何もしない（冪等）。
// スイープとエンジンの削除競合で二重解放が起きても安全。
func (t *Tracker) Release(ownerID string, kind model.LeaseKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key{ownerID, kind}]
	if !ok || e.active <= 0 {
		return
	}
	e.active--
	e.lastAccess = time.Now()
}

// AllowCreationRate は作成レートのトークンのみを消費する。
// renewalを作成相当として数えるポリシーで使用する。保有数には影響しない。
func (t *Tracker) AllowCreationRate(ownerID string, kind model.LeaseKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.getOrCreateLocked(ownerID, kind)
	return e.limiter.Allow()
}

// ActiveCount は (owner, kind) の現在の予約数を返す。
func (t *Tracker) ActiveCount(ownerID string, kind model.LeaseKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key{ownerID, kind}]
	if !ok {
		return 0
	}
	return e.active
}

// Seed は起動時にストアから読み出した有効リース数でカウンタを初期化する。
// プロセス再起動をまたいで保有数上限を維持するために使用する。
func (t *Tracker) Seed(ownerID string, kind model.LeaseKind, count int) {
	if count < 0 {
		count = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.getOrCreateLocked(ownerID, kind)
	e.active = count
}

// EntryCount は現在管理されているエントリ数を返す。
// テストおよびメトリクス用。
func (t *Tracker) EntryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// getOrCreateLocked はエントリを取得または作成する。呼び出し側がロックを保持すること。
func (t *Tracker) getOrCreateLocked(ownerID string, kind model.LeaseKind) *entry {
	k := key{ownerID, kind}
	e, ok := t.entries[k]
	if !ok {
		perMinute := t.cfg.CreatePerMinute
		if perMinute <= 0 {
			perMinute = 5
		}
		burst := t.cfg.CreateBurst
		if burst <= 0 {
			burst = perMinute
		}
		e = &entry{
			limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		}
		t.entries[k] = e
	}
	e.lastAccess = time.Now()
	return e
}

// cleanupLoop はバックグラウンドでアイドルエントリを定期的にクリーンアップする。
func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanup()
		case <-t.stopCh:
			return
		}
	}
}

// cleanup は予約数が0かつ最終アクセスがCleanupIntervalの2倍を超えた
// エントリを削除する。予約を保持するエントリは削除しない。
func (t *Tracker) cleanup() {
	ttl := t.cfg.CleanupInterval * 2
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for k, e := range t.entries {
		if e.active == 0 && now.Sub(e.lastAccess) > ttl {
			delete(t.entries, k)
		}
	}
}
