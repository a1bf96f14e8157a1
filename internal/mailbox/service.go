// Package mailbox は一時メールリースの受信トレイ同期と閲覧を提供する。
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tempro/internal/mailprovider"
	"github.com/hitoshi/tempro/internal/metrics"
	"github.com/hitoshi/tempro/internal/model"
	"github.com/hitoshi/tempro/internal/repository"
)

// LeaseAccessor はリースの取得と使用記録の操作を表す。
type LeaseAccessor interface {
	Get(ctx context.Context, leaseID, ownerID string) (*model.Lease, error)
	RecordUsage(ctx context.Context, leaseID string) error
}

// Provider はメールプロバイダの読み取り操作を表す。
type Provider interface {
	ListMessages(ctx context.Context, login, domain string) ([]mailprovider.MessageSummary, error)
	ReadMessage(ctx context.Context, login, domain, id string) (*mailprovider.MessageBody, error)
}

// Service は受信トレイの同期と閲覧のサービス層。
// 同期はプロバイダのメッセージ一覧と保存済みメッセージを突き合わせ、
// 新着のみを本文取得して保存する。同じプロバイダIDのメッセージは二重保存しない。
type Service struct {
	leases    LeaseAccessor
	msgRepo   repository.MessageRepository
	provider  Provider
	collector metrics.MetricsCollector
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	leases LeaseAccessor,
	msgRepo repository.MessageRepository,
	provider Provider,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		leases:    leases,
		msgRepo:   msgRepo,
		provider:  provider,
		collector: collector,
		logger:    logger,
	}
}

// Sync はリースのメールボックスをプロバイダと同期し、保存済みの全メッセージを返す。
// 新着1件ごとに使用回数を記録する。個別メッセージの取得失敗は
// ログに残して同期を続行する（次回の同期で再取得できる）。
func (s *Service) Sync(ctx context.Context, leaseID, ownerID string) ([]*model.MailMessage, error) {
	lease, err := s.leases.Get(ctx, leaseID, ownerID)
	if err != nil {
		return nil, err
	}
	if lease.Kind != model.LeaseKindEmail {
		return nil, model.NewValidationError("メールリースではありません: " + string(lease.Kind))
	}

	login := lease.Metadata[model.MetadataKeyLogin]
	domain := lease.Metadata[model.MetadataKeyDomain]
	if login == "" || domain == "" {
		return nil, model.NewValidationError("リースにメールボックス情報がありません")
	}

	summaries, err := s.provider.ListMessages(ctx, login, domain)
	if err != nil {
		return nil, fmt.Errorf("メールボックスの同期に失敗しました: %w", err)
	}

	stored := 0
	for _, summary := range summaries {
		body, err := s.provider.ReadMessage(ctx, login, domain, summary.ID)
		if err != nil {
			s.logger.Error("メッセージ本文の取得に失敗しました",
				slog.String("lease_id", leaseID),
				slog.String("provider_id", summary.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		msg := &model.MailMessage{
			ID:         uuid.NewString(),
			LeaseID:    leaseID,
			ProviderID: summary.ID,
			From:       body.From,
			Subject:    body.Subject,
			Body:       body.Body,
			ReceivedAt: body.Date,
			CreatedAt:  time.Now().UTC(),
		}

		created, err := s.msgRepo.Upsert(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("メッセージの保存に失敗しました: %w", err)
		}
		if !created {
			continue
		}

		stored++
		if err := s.leases.RecordUsage(ctx, leaseID); err != nil {
			// 使用記録の失敗で同期を止めない
			s.logger.Error("使用回数の記録に失敗しました",
				slog.String("lease_id", leaseID),
				slog.String("error", err.Error()),
			)
		}
	}

	if stored > 0 {
		s.collector.RecordMessagesStored(stored)
		s.logger.Info("新着メッセージを保存しました",
			slog.String("lease_id", leaseID),
			slog.Int("count", stored),
		)
	}

	return s.List(ctx, leaseID, ownerID)
}

// List は保存済みメッセージを受信日時降順で返す。
func (s *Service) List(ctx context.Context, leaseID, ownerID string) ([]*model.MailMessage, error) {
	if _, err := s.leases.Get(ctx, leaseID, ownerID); err != nil {
		return nil, err
	}
	msgs, err := s.msgRepo.ListByLease(ctx, leaseID)
	if err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}
	return msgs, nil
}

// Read は保存済みメッセージを1件取得する。
// 別のリースに属するメッセージは存在を秘匿するため未検出として扱う。
func (s *Service) Read(ctx context.Context, leaseID, ownerID, messageID string) (*model.MailMessage, error) {
	if _, err := s.leases.Get(ctx, leaseID, ownerID); err != nil {
		return nil, err
	}
	msg, err := s.msgRepo.FindByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("メッセージの検索に失敗しました: %w", err)
	}
	if msg == nil || msg.LeaseID != leaseID {
		return nil, model.NewMessageNotFoundError(messageID)
	}
	return msg, nil
}
