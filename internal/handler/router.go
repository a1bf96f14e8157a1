package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tempro/internal/middleware"
)

// Pinger はヘルスチェックで使用するデータベース死活確認のインターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger   *slog.Logger
	APIToken string

	// リース
	LeaseEngine    LeaseEngineInterface
	MailboxService MailboxServiceInterface

	// 運用者向け
	Dispatcher BroadcastDispatcherInterface
	Stats      StatsSource

	// ヘルスチェックとメトリクス
	DB             Pinger
	MetricsHandler http.Handler

	// 所有者ごとのAPIレート制限。nilの場合は制限しない。
	RateLimiter *middleware.RateLimiter
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → TokenAuth → OwnerContext → RateLimit
//
// /health と /metrics は認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	leaseHandler := NewLeaseHandler(deps.LeaseEngine, deps.MailboxService)
	adminHandler := NewAdminHandler(deps.Dispatcher, deps.Stats)

	// --- 認証不要のルート ---

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if deps.DB != nil {
			if err := deps.DB.PingContext(r.Context()); err != nil {
				http.Error(w, "database unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewTokenAuthMiddleware(deps.APIToken))
		r.Use(middleware.NewOwnerContextMiddleware())
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		// リース管理
		r.Route("/api/leases", func(r chi.Router) {
			r.Post("/", leaseHandler.CreateLease)
			r.Get("/", leaseHandler.ListLeases)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", leaseHandler.GetLease)
				r.Delete("/", leaseHandler.DeleteLease)
				r.Post("/renew", leaseHandler.RenewLease)
				r.Post("/usage", leaseHandler.RecordUsage)

				// 受信トレイ
				r.Post("/messages/sync", leaseHandler.SyncMessages)
				r.Get("/messages", leaseHandler.ListMessages)
				r.Get("/messages/{messageID}", leaseHandler.GetMessage)
			})
		})

		// 運用者向け
		r.Route("/admin", func(r chi.Router) {
			r.Post("/broadcast", adminHandler.StartBroadcast)
			r.Get("/broadcast/{id}", adminHandler.GetBroadcast)
			r.Get("/stats", adminHandler.GetDailyStats)
		})
	})

	return r
}
