package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/tempro/internal/config"
	"github.com/hitoshi/tempro/internal/database"
	"github.com/hitoshi/tempro/internal/handler"
	"github.com/hitoshi/tempro/internal/lease"
	"github.com/hitoshi/tempro/internal/logger"
	"github.com/hitoshi/tempro/internal/mailbox"
	"github.com/hitoshi/tempro/internal/mailprovider"
	"github.com/hitoshi/tempro/internal/metrics"
	"github.com/hitoshi/tempro/internal/middleware"
	"github.com/hitoshi/tempro/internal/model"
	"github.com/hitoshi/tempro/internal/notify"
	"github.com/hitoshi/tempro/internal/quota"
	"github.com/hitoshi/tempro/internal/repository"
	"github.com/hitoshi/tempro/internal/worker/broadcast"
	"github.com/hitoshi/tempro/internal/worker/cleanup"
	"github.com/hitoshi/tempro/internal/worker/expiry"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// engineDeps はbuildEngineがワイヤリングした依存関係の束。
type engineDeps struct {
	engine     *lease.Engine
	tracker    *quota.Tracker
	leaseRepo  *repository.PostgresLeaseRepo
	msgRepo    *repository.PostgresMessageRepo
	transport  notify.Transport
	mailClient *mailprovider.Client
}

// buildEngine はリースエンジンとその依存関係をワイヤリングする。
// クォータトラッカーはDBの有効リース数からシードする。プロセス再起動で
// 保有数カウンタが実態とずれないようにするため。
func buildEngine(ctx context.Context, cfg *config.Config, db *sql.DB, collector metrics.MetricsCollector) (*engineDeps, error) {
	leaseRepo := repository.NewPostgresLeaseRepo(db)
	msgRepo := repository.NewPostgresMessageRepo(db)

	kinds := []model.LeaseKind{model.LeaseKindEmail, model.LeaseKindSubBot, model.LeaseKindSession}
	caps := make(map[model.LeaseKind]int, len(kinds))
	ttls := make(map[model.LeaseKind]time.Duration, len(kinds))
	for _, k := range kinds {
		caps[k] = cfg.CapFor(k)
		ttls[k] = cfg.TTLFor(k)
	}

	tracker := quota.NewTracker(quota.Config{
		Caps:            caps,
		CreatePerMinute: cfg.CreateRatePerMinute,
		CreateBurst:     cfg.CreateRateBurst,
	})

	counts, err := leaseRepo.ActiveCounts(ctx)
	if err != nil {
		tracker.Stop()
		return nil, fmt.Errorf("failed to seed quota tracker: %w", err)
	}
	for _, c := range counts {
		tracker.Seed(c.OwnerID, c.Kind, c.Count)
	}
	slog.Info("quota tracker seeded", slog.Int("entries", len(counts)))

	mailClient := mailprovider.NewClient(
		&http.Client{Timeout: cfg.MailTimeout},
		slog.Default(),
		cfg.MailProviderURL,
	)
	transport := notify.NewHTTPTransport(
		&http.Client{Timeout: cfg.ChatTimeout},
		slog.Default(),
		cfg.ChatTransportURL,
		cfg.OperatorChannel,
	)

	handlers := map[model.LeaseKind]lease.KindHandler{
		model.LeaseKindEmail:   lease.NewEmailHandler(mailClient, msgRepo),
		model.LeaseKindSubBot:  lease.NewSubBotHandler(transport),
		model.LeaseKindSession: lease.NewSessionHandler(),
	}

	engine := lease.NewEngine(leaseRepo, tracker, handlers, transport, collector, slog.Default(), lease.Config{
		TTLs:                  ttls,
		TeardownMaxAttempts:   cfg.TeardownMaxAttempts,
		RenewFromWarning:      cfg.RenewFromWarning,
		RenewCountsAsCreation: cfg.RenewCountsAsCreation,
	})

	return &engineDeps{
		engine:     engine,
		tracker:    tracker,
		leaseRepo:  leaseRepo,
		msgRepo:    msgRepo,
		transport:  transport,
		mailClient: mailClient,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 1. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 2. エンジンと依存関係のワイヤリング
	deps, err := buildEngine(context.Background(), cfg, db, collector)
	if err != nil {
		return err
	}
	defer deps.tracker.Stop()

	// 3. 受信トレイサービス
	mailboxService := mailbox.NewService(deps.engine, deps.msgRepo, deps.mailClient, collector, slog.Default())

	// 4. 一斉配信ディスパッチャ
	jobRepo := repository.NewPostgresBroadcastRepo(db)
	dispatcher := broadcast.NewDispatcher(deps.leaseRepo, jobRepo, deps.transport, collector, slog.Default(), broadcast.Config{
		Concurrency: cfg.BroadcastConcurrency,
		MaxRetries:  cfg.BroadcastMaxRetries,
		RetryBase:   cfg.BroadcastRetryBase,
	})

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         slog.Default(),
		APIToken:       cfg.APIToken,
		LeaseEngine:    deps.engine,
		MailboxService: mailboxService,
		Dispatcher:     dispatcher,
		Stats:          deps.leaseRepo,
		DB:             db,
		MetricsHandler: metrics.Handler(registry),
		RateLimiter:    rateLimiter,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 進行中の配信ジョブの完了を待ってから終了する。
	// 期限超過時は残りを打ち切り、部分集計をDBに書いてから抜ける。
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer drainCancel()
	if err := dispatcher.Shutdown(drainCtx); err != nil {
		slog.Warn("broadcast drain timed out, remaining deliveries abandoned",
			slog.String("error", err.Error()),
		)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限スイーパーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// ワーカー単体ではメトリクスエンドポイントを公開しない
	collector := metrics.NopCollector{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := buildEngine(ctx, cfg, db, collector)
	if err != nil {
		return err
	}
	defer deps.tracker.Stop()

	sweeper := expiry.NewSweeper(deps.leaseRepo, deps.engine, deps.transport, collector, slog.Default(), expiry.Config{
		Interval:      cfg.SweepInterval,
		WarningOffset: cfg.WarningOffset,
	})

	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Duration("warning_offset", cfg.WarningOffset),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// スイーパーをメインgoroutineで実行（ブロッキング）
	sweeper.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
