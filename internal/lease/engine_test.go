package lease

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/tempro/internal/metrics"
	"github.com/hitoshi/tempro/internal/model"
	"github.com/hitoshi/tempro/internal/quota"
	"github.com/hitoshi/tempro/internal/repository"
)

// --- テスト用フェイク ---

// fakeLeaseRepo はインメモリのリースリポジトリ。
type fakeLeaseRepo struct {
	mu        sync.Mutex
	leases    map[string]*model.Lease
	createErr error
	renewOK   *bool // 非nilの場合、Renewの結果を固定する
}

func newFakeLeaseRepo() *fakeLeaseRepo {
	return &fakeLeaseRepo{leases: make(map[string]*model.Lease)}
}

func (r *fakeLeaseRepo) Create(ctx context.Context, lease *model.Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	cp := *lease
	r.leases[lease.ID] = &cp
	return nil
}

func (r *fakeLeaseRepo) FindByID(ctx context.Context, id string) (*model.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (r *fakeLeaseRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Lease
	for _, l := range r.leases {
		if l.OwnerID == ownerID && l.State != model.LeaseStateDeleted {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeLeaseRepo) ListDueForWarning(ctx context.Context, now time.Time, offset time.Duration) ([]*model.Lease, error) {
	return nil, nil
}

func (r *fakeLeaseRepo) ListDueForExpiry(ctx context.Context, now time.Time) ([]*model.Lease, error) {
	return nil, nil
}

func (r *fakeLeaseRepo) Transition(ctx context.Context, id string, from, to model.LeaseState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok || l.State != from {
		return false, nil
	}
	l.State = to
	return true, nil
}

func (r *fakeLeaseRepo) Renew(ctx context.Context, id string, from, to model.LeaseState, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renewOK != nil {
		return *r.renewOK, nil
	}
	l, ok := r.leases[id]
	if !ok || l.State != from {
		return false, nil
	}
	l.State = to
	l.ExpiresAt = expiresAt
	return true, nil
}

func (r *fakeLeaseRepo) IncrementUsage(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok {
		return false, nil
	}
	l.UsageCounter++
	return true, nil
}

func (r *fakeLeaseRepo) IncrementTeardownAttempts(ctx context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok {
		return 0, errors.New("lease not found")
	}
	l.TeardownAttempts++
	return l.TeardownAttempts, nil
}

func (r *fakeLeaseRepo) MarkForReview(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.leases[id]; ok {
		l.NeedsReview = true
	}
	return nil
}

func (r *fakeLeaseRepo) ListActiveOwnerIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (r *fakeLeaseRepo) ActiveCounts(ctx context.Context) ([]repository.ActiveCount, error) {
	return nil, nil
}

func (r *fakeLeaseRepo) DailyStats(ctx context.Context, day time.Time) (*repository.DailyStats, error) {
	return nil, nil
}

var _ repository.LeaseRepository = (*fakeLeaseRepo)(nil)

// fakeHandler は差し替え可能なプロビジョニング／ティアダウンのフェイク。
type fakeHandler struct {
	provisionFunc func(ctx context.Context, ownerID string) (map[string]string, error)
	teardownFunc  func(ctx context.Context, lease *model.Lease) error
	teardownCalls int
}

func (h *fakeHandler) Provision(ctx context.Context, ownerID string) (map[string]string, error) {
	if h.provisionFunc != nil {
		return h.provisionFunc(ctx, ownerID)
	}
	return map[string]string{"session_token": "tok"}, nil
}

func (h *fakeHandler) Teardown(ctx context.Context, lease *model.Lease) error {
	h.teardownCalls++
	if h.teardownFunc != nil {
		return h.teardownFunc(ctx, lease)
	}
	return nil
}

// fakeTransport はNotifyOperatorの呼び出しを記録するフェイク。
type fakeTransport struct {
	mu            sync.Mutex
	operatorNotes []string
}

func (t *fakeTransport) Deliver(ctx context.Context, ownerID, content string) error { return nil }

func (t *fakeTransport) NotifyOperator(ctx context.Context, content string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operatorNotes = append(t.operatorNotes, content)
	return nil
}

func (t *fakeTransport) RevokeCredential(ctx context.Context, tokenRef string) error { return nil }

// --- テスト用セットアップ ---

type testEnv struct {
	engine    *Engine
	repo      *fakeLeaseRepo
	tracker   *quota.Tracker
	handler   *fakeHandler
	transport *fakeTransport
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	repo := newFakeLeaseRepo()
	tracker := quota.NewTracker(quota.Config{
		Caps: map[model.LeaseKind]int{
			model.LeaseKindEmail:   5,
			model.LeaseKindSubBot:  3,
			model.LeaseKindSession: 10,
		},
		CreatePerMinute: 6000,
		CreateBurst:     1000,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(tracker.Stop)

	handler := &fakeHandler{}
	transport := &fakeTransport{}
	logger := slog.New(slog.NewJSONHandler(&strings.Builder{}, nil))

	handlers := map[model.LeaseKind]KindHandler{
		model.LeaseKindEmail:   handler,
		model.LeaseKindSubBot:  handler,
		model.LeaseKindSession: handler,
	}

	engine := NewEngine(repo, tracker, handlers, transport, metrics.NopCollector{}, logger, cfg)
	return &testEnv{engine: engine, repo: repo, tracker: tracker, handler: handler, transport: transport}
}

// --- 作成 ---

func TestEngine_Create_Success(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	lease, err := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail)
	if err != nil {
		t.Fatalf("Create がエラーを返した: %v", err)
	}
	if lease.State != model.LeaseStateActive {
		t.Errorf("state = %s, want active", lease.State)
	}
	if got := env.tracker.ActiveCount("owner-1", model.LeaseKindEmail); got != 1 {
		t.Errorf("クォータの予約数 = %d, want 1", got)
	}

	found, _ := env.repo.FindByID(ctx, lease.ID)
	if found == nil {
		t.Fatal("作成したリースが永続化されていない")
	}

	wantExpiry := time.Now().UTC().Add(24 * time.Hour)
	if diff := found.ExpiresAt.Sub(wantExpiry); diff < -time.Minute || diff > time.Minute {
		t.Errorf("ExpiresAt = %v, want ~%v", found.ExpiresAt, wantExpiry)
	}
}

func TestEngine_Create_EmptyOwner(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	_, err := env.engine.Create(context.Background(), "", model.LeaseKindEmail)
	if err == nil {
		t.Fatal("空の所有者IDはエラーになるべき")
	}
}

func TestEngine_Create_UnknownKind(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	_, err := env.engine.Create(context.Background(), "owner-1", model.LeaseKind("webhook"))
	if err == nil {
		t.Fatal("未登録の種別はエラーになるべき")
	}
}

func TestEngine_Create_QuotaDenied(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	// サブボットの上限は3件
	for i := 0; i < 3; i++ {
		if _, err := env.engine.Create(ctx, "owner-1", model.LeaseKindSubBot); err != nil {
			t.Fatalf("%d件目のCreate がエラーを返した: %v", i+1, err)
		}
	}

	_, err := env.engine.Create(ctx, "owner-1", model.LeaseKindSubBot)
	if err == nil {
		t.Fatal("上限超過のCreateはエラーを返すべき")
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeQuotaExceeded {
		t.Errorf("エラーコード = %v, want QUOTA_EXCEEDED", err)
	}
}

func TestEngine_Create_ProvisionFails_ReleasesReservation(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	env.handler.provisionFunc = func(ctx context.Context, ownerID string) (map[string]string, error) {
		return nil, model.NewTransientError(errors.New("provider unreachable"))
	}

	_, err := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail)
	if err == nil {
		t.Fatal("プロビジョニング失敗時はエラーを返すべき")
	}

	// 予約は解放されている
	if got := env.tracker.ActiveCount("owner-1", model.LeaseKindEmail); got != 0 {
		t.Errorf("クォータの予約数 = %d, want 0（失敗時は解放）", got)
	}

	// 解放後なら再作成できる
	env.handler.provisionFunc = nil
	if _, err := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail); err != nil {
		t.Fatalf("プロビジョニング回復後のCreate がエラーを返した: %v", err)
	}
}

func TestEngine_Create_PersistFails_RollsBack(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.repo.createErr = errors.New("db down")

	_, err := env.engine.Create(context.Background(), "owner-1", model.LeaseKindEmail)
	if err == nil {
		t.Fatal("永続化失敗時はエラーを返すべき")
	}
	if env.handler.teardownCalls != 1 {
		t.Errorf("巻き戻しティアダウン呼び出し = %d回, want 1回", env.handler.teardownCalls)
	}
	if got := env.tracker.ActiveCount("owner-1", model.LeaseKindEmail); got != 0 {
		t.Errorf("クォータの予約数 = %d, want 0", got)
	}
}

// --- 取得 ---

func TestEngine_Get_WrongOwner_NotFound(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	lease, err := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail)
	if err != nil {
		t.Fatalf("Create がエラーを返した: %v", err)
	}

	// 他の所有者からは未検出として扱う
	_, err = env.engine.Get(ctx, lease.ID, "owner-2")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeLeaseNotFound {
		t.Errorf("エラーコード = %v, want LEASE_NOT_FOUND", err)
	}
}

// --- 更新 ---

func TestEngine_Renew_Active_ExtendsExpiry(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	lease, err := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail)
	if err != nil {
		t.Fatalf("Create がエラーを返した: %v", err)
	}
	oldExpiry := lease.ExpiresAt

	time.Sleep(5 * time.Millisecond)
	renewed, err := env.engine.Renew(ctx, lease.ID, "owner-1")
	if err != nil {
		t.Fatalf("Renew がエラーを返した: %v", err)
	}
	if !renewed.ExpiresAt.After(oldExpiry) {
		t.Errorf("更新後の期限 %v は更新前 %v より後であるべき", renewed.ExpiresAt, oldExpiry)
	}
	if renewed.State != model.LeaseStateActive {
		t.Errorf("state = %s, want active", renewed.State)
	}
}

func TestEngine_Renew_FromWarning_RestoresActive(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	lease, _ := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail)
	env.repo.Transition(ctx, lease.ID, model.LeaseStateActive, model.LeaseStatePendingWarning)

	renewed, err := env.engine.Renew(ctx, lease.ID, "owner-1")
	if err != nil {
		t.Fatalf("警告済み状態からのRenew がエラーを返した: %v", err)
	}
	if renewed.State != model.LeaseStateActive {
		t.Errorf("state = %s, want active（警告からの巻き戻し）", renewed.State)
	}
}

func TestEngine_Renew_FromWarning_Disallowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RenewFromWarning = false
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	lease, _ := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail)
	env.repo.Transition(ctx, lease.ID, model.LeaseStateActive, model.LeaseStatePendingWarning)

	_, err := env.engine.Renew(ctx, lease.ID, "owner-1")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeStateConflict {
		t.Errorf("エラーコード = %v, want STATE_CONFLICT", err)
	}
}

func TestEngine_Renew_Expired_Conflict(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	lease, _ := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail)
	env.repo.Transition(ctx, lease.ID, model.LeaseStateActive, model.LeaseStateExpired)

	_, err := env.engine.Renew(ctx, lease.ID, "owner-1")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeStateConflict {
		t.Errorf("期限切れリースの更新は STATE_CONFLICT を返すべき: %v", err)
	}
}

func TestEngine_Renew_CASLost_Conflict(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	lease, _ := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail)

	// スイープが先に状態を進めた状況をシミュレート
	lost := false
	env.repo.renewOK = &lost

	_, err := env.engine.Renew(ctx, lease.ID, "owner-1")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeStateConflict {
		t.Errorf("CAS負けの更新は STATE_CONFLICT を返すべき: %v", err)
	}
}

// --- 使用記録 ---

func TestEngine_RecordUsage(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	lease, _ := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail)

	if err := env.engine.RecordUsage(ctx, lease.ID); err != nil {
		t.Fatalf("RecordUsage がエラーを返した: %v", err)
	}
	found, _ := env.repo.FindByID(ctx, lease.ID)
	if found.UsageCounter != 1 {
		t.Errorf("usage_counter = %d, want 1", found.UsageCounter)
	}
}

func TestEngine_RecordUsage_NotFound(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	err := env.engine.RecordUsage(context.Background(), "missing-id")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeLeaseNotFound {
		t.Errorf("エラーコード = %v, want LEASE_NOT_FOUND", err)
	}
}

// --- 削除・破棄 ---

func TestEngine_Delete_Success(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	lease, _ := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail)

	if err := env.engine.Delete(ctx, lease.ID, "owner-1"); err != nil {
		t.Fatalf("Delete がエラーを返した: %v", err)
	}

	found, _ := env.repo.FindByID(ctx, lease.ID)
	if found.State != model.LeaseStateDeleted {
		t.Errorf("state = %s, want deleted", found.State)
	}
	if got := env.tracker.ActiveCount("owner-1", model.LeaseKindEmail); got != 0 {
		t.Errorf("クォータの予約数 = %d, want 0", got)
	}
	if env.handler.teardownCalls != 1 {
		t.Errorf("ティアダウン呼び出し = %d回, want 1回", env.handler.teardownCalls)
	}
}

func TestEngine_Delete_Idempotent(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	lease, _ := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail)

	if err := env.engine.Delete(ctx, lease.ID, "owner-1"); err != nil {
		t.Fatalf("Delete がエラーを返した: %v", err)
	}
	// 2回目の削除と存在しないIDの削除はどちらも成功扱い
	if err := env.engine.Delete(ctx, lease.ID, "owner-1"); err != nil {
		t.Errorf("削除済みリースのDeleteはエラーを返すべきではない: %v", err)
	}
	if err := env.engine.Delete(ctx, "missing-id", "owner-1"); err != nil {
		t.Errorf("存在しないIDのDeleteはエラーを返すべきではない: %v", err)
	}

	// クォータの解放は1回だけ
	if got := env.tracker.ActiveCount("owner-1", model.LeaseKindEmail); got != 0 {
		t.Errorf("クォータの予約数 = %d, want 0", got)
	}
}

func TestEngine_Destroy_TeardownFails_IncrementsAttempts(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	lease, _ := env.engine.Create(ctx, "owner-1", model.LeaseKindSubBot)
	env.handler.teardownFunc = func(ctx context.Context, l *model.Lease) error {
		return model.NewTransientError(errors.New("revoke failed"))
	}

	err := env.engine.Delete(ctx, lease.ID, "owner-1")
	if err == nil {
		t.Fatal("ティアダウン失敗時のDeleteはエラーを返すべき")
	}

	found, _ := env.repo.FindByID(ctx, lease.ID)
	if found.TeardownAttempts != 1 {
		t.Errorf("teardown_attempts = %d, want 1", found.TeardownAttempts)
	}
	if found.State == model.LeaseStateDeleted {
		t.Error("ティアダウン失敗時にdeleted遷移してはならない")
	}
	// 破棄が完了していないのでクォータは保持されたまま
	if got := env.tracker.ActiveCount("owner-1", model.LeaseKindSubBot); got != 1 {
		t.Errorf("クォータの予約数 = %d, want 1", got)
	}
}

func TestEngine_Destroy_TeardownBound_MarksForReview(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeardownMaxAttempts = 3
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	lease, _ := env.engine.Create(ctx, "owner-1", model.LeaseKindSubBot)
	env.handler.teardownFunc = func(ctx context.Context, l *model.Lease) error {
		return model.NewTransientError(errors.New("revoke failed"))
	}

	for i := 0; i < 3; i++ {
		if err := env.engine.Delete(ctx, lease.ID, "owner-1"); err == nil {
			t.Fatalf("%d回目のDeleteはエラーを返すべき", i+1)
		}
	}

	found, _ := env.repo.FindByID(ctx, lease.ID)
	if !found.NeedsReview {
		t.Error("試行上限到達後はneeds_reviewが立つべき")
	}
	if len(env.transport.operatorNotes) != 1 {
		t.Errorf("運用者通知 = %d件, want 1件", len(env.transport.operatorNotes))
	}
	if !strings.Contains(env.transport.operatorNotes[0], lease.ID) {
		t.Errorf("通知にリースIDが含まれるべき: %s", env.transport.operatorNotes[0])
	}
}

func TestEngine_Destroy_CASLost_NoDoubleRelease(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	lease, _ := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail)
	if _, err := env.engine.Create(ctx, "owner-1", model.LeaseKindEmail); err != nil {
		t.Fatalf("2件目のCreate がエラーを返した: %v", err)
	}

	// 並行する破棄が先に完了した状況: 手元のスナップショットは古い状態を持つ
	stale, _ := env.repo.FindByID(ctx, lease.ID)
	env.repo.Transition(ctx, lease.ID, model.LeaseStateActive, model.LeaseStateExpired)

	if err := env.engine.Destroy(ctx, stale); err != nil {
		t.Fatalf("CAS負けのDestroyはエラーを返すべきではない: %v", err)
	}

	// CASに負けた側はクォータを解放しない
	if got := env.tracker.ActiveCount("owner-1", model.LeaseKindEmail); got != 2 {
		t.Errorf("クォータの予約数 = %d, want 2（二重解放の防止）", got)
	}
}
