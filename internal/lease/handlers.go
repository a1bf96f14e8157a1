// Package lease はリースライフサイクルエンジンを提供する。
// 作成・更新・削除・期限切れ処理と、種別ごとの
// プロビジョニング／ティアダウンを統括する。
package lease

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/tempro/internal/model"
	"github.com/hitoshi/tempro/internal/repository"
)

// KindHandler は種別ごとの外部リソースの確保と破棄を表す。
// Provisionはリースに保存するメタデータを返す。
// Teardownは冪等であること（同じリースに対する再実行が安全であること）。
type KindHandler interface {
	Provision(ctx context.Context, ownerID string) (map[string]string, error)
	Teardown(ctx context.Context, lease *model.Lease) error
}

// MailboxProvisioner はメールボックス生成操作を表す。
type MailboxProvisioner interface {
	GenerateMailbox(ctx context.Context) (login, domain string, err error)
}

// CredentialRevoker はサブボット資格情報の失効操作を表す。
type CredentialRevoker interface {
	RevokeCredential(ctx context.Context, tokenRef string) error
}

// EmailHandler は一時メールリースの確保と破棄を行う。
type EmailHandler struct {
	provider MailboxProvisioner
	msgRepo  repository.MessageRepository
}

// NewEmailHandler はEmailHandlerを生成する。
func NewEmailHandler(provider MailboxProvisioner, msgRepo repository.MessageRepository) *EmailHandler {
	return &EmailHandler{provider: provider, msgRepo: msgRepo}
}

// Provision はプロバイダに新しいメールボックスを生成させる。
func (h *EmailHandler) Provision(ctx context.Context, ownerID string) (map[string]string, error) {
	login, domain, err := h.provider.GenerateMailbox(ctx)
	if err != nil {
		return nil, fmt.Errorf("メールボックスの確保に失敗しました: %w", err)
	}
	return map[string]string{
		model.MetadataKeyAddress: login + "@" + domain,
		model.MetadataKeyLogin:   login,
		model.MetadataKeyDomain:  domain,
	}, nil
}

// Teardown は保存済みメッセージを削除する。
// プロバイダ側のメールボックスは自己失効するため呼び出し不要。
func (h *EmailHandler) Teardown(ctx context.Context, lease *model.Lease) error {
	if _, err := h.msgRepo.DeleteByLease(ctx, lease.ID); err != nil {
		return fmt.Errorf("保存済みメッセージの削除に失敗しました: %w", err)
	}
	return nil
}

// SubBotHandler はサブボットリースの確保と破棄を行う。
type SubBotHandler struct {
	revoker CredentialRevoker
}

// NewSubBotHandler はSubBotHandlerを生成する。
func NewSubBotHandler(revoker CredentialRevoker) *SubBotHandler {
	return &SubBotHandler{revoker: revoker}
}

// Provision はサブボットの資格情報参照を発行する。
// 実トークンは外部のチャット基盤が保持し、ここでは参照のみを扱う。
func (h *SubBotHandler) Provision(ctx context.Context, ownerID string) (map[string]string, error) {
	return map[string]string{
		model.MetadataKeyTokenRef: "tok-" + uuid.NewString(),
	}, nil
}

// Teardown はサブボットの資格情報を失効させる。
func (h *SubBotHandler) Teardown(ctx context.Context, lease *model.Lease) error {
	tokenRef := lease.Metadata[model.MetadataKeyTokenRef]
	if tokenRef == "" {
		// 参照が欠けたリースに破棄すべき資格情報はない
		return nil
	}
	if err := h.revoker.RevokeCredential(ctx, tokenRef); err != nil {
		// 既に失効済みの参照は成功扱い（冪等性）
		if model.IsPermanent(err) {
			return nil
		}
		return err
	}
	return nil
}

// SessionHandler はセッションリースの確保と破棄を行う。
// セッションは外部リソースを持たないため、確保はトークン発行のみ、破棄は何もしない。
type SessionHandler struct{}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler() *SessionHandler {
	return &SessionHandler{}
}

// Provision はセッショントークンを発行する。
func (h *SessionHandler) Provision(ctx context.Context, ownerID string) (map[string]string, error) {
	return map[string]string{
		"session_token": uuid.NewString(),
	}, nil
}

// Teardown は何もしない。セッションに外部リソースはない。
func (h *SessionHandler) Teardown(ctx context.Context, lease *model.Lease) error {
	return nil
}

// compile-time interface checks
var (
	_ KindHandler = (*EmailHandler)(nil)
	_ KindHandler = (*SubBotHandler)(nil)
	_ KindHandler = (*SessionHandler)(nil)
)
