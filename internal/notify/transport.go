// Package notify はチャット基盤への配信クライアントを提供する。
// 所有者へのメッセージ配信、運用者チャンネルへの通知、
// サブボット資格情報の失効の3つの操作を含む。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tempro/internal/model"
)

// Transport はチャット基盤への配信操作を表す。
// 一時的な失敗（ネットワーク障害・レート制限・5xx）はTransientError、
// 恒久的な失敗（宛先不明など）はPermanentErrorとして返す。
type Transport interface {
	// Deliver は所有者にメッセージを配信する。
	Deliver(ctx context.Context, ownerID, content string) error
	// NotifyOperator は運用者チャンネルに通知を送る。
	// チャンネル未設定の場合はログのみで成功扱いにする。
	NotifyOperator(ctx context.Context, content string) error
	// RevokeCredential はサブボットの資格情報を失効させる。
	RevokeCredential(ctx context.Context, tokenRef string) error
}

// HTTPTransport はHTTP APIを介したチャット基盤クライアント。
type HTTPTransport struct {
	httpClient      *http.Client
	logger          *slog.Logger
	baseURL         string // テスト用にエンドポイントを差し替え可能
	operatorChannel string
}

// NewHTTPTransport はHTTPTransportを生成する。
func NewHTTPTransport(httpClient *http.Client, logger *slog.Logger, baseURL, operatorChannel string) *HTTPTransport {
	return &HTTPTransport{
		httpClient:      httpClient,
		logger:          logger,
		baseURL:         baseURL,
		operatorChannel: operatorChannel,
	}
}

// Deliver は所有者にメッセージを配信する。
func (t *HTTPTransport) Deliver(ctx context.Context, ownerID, content string) error {
	payload := map[string]string{
		"recipient": ownerID,
		"content":   content,
	}
	if err := t.postJSON(ctx, "/messages", payload); err != nil {
		return fmt.Errorf("メッセージの配信に失敗しました: %w", err)
	}
	return nil
}

// NotifyOperator は運用者チャンネルに通知を送る。
func (t *HTTPTransport) NotifyOperator(ctx context.Context, content string) error {
	if t.operatorChannel == "" {
		// チャンネル未設定の環境では通知を握りつぶさずログに残す
		t.logger.Warn("運用者チャンネルが未設定のため通知をログに記録します",
			slog.String("content", content),
		)
		return nil
	}
	payload := map[string]string{
		"recipient": t.operatorChannel,
		"content":   content,
	}
	if err := t.postJSON(ctx, "/messages", payload); err != nil {
		return fmt.Errorf("運用者への通知に失敗しました: %w", err)
	}
	return nil
}

// RevokeCredential はサブボットの資格情報を失効させる。
func (t *HTTPTransport) RevokeCredential(ctx context.Context, tokenRef string) error {
	payload := map[string]string{
		"token_ref": tokenRef,
	}
	if err := t.postJSON(ctx, "/credentials/revoke", payload); err != nil {
		return fmt.Errorf("資格情報の失効に失敗しました: %w", err)
	}
	return nil
}

// postJSON はAPIにJSONボディをPOSTする。
// ネットワーク障害・429/5xxはTransientError、その他の異常ステータスは
// PermanentErrorとして分類する。
func (t *HTTPTransport) postJSON(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return model.NewPermanentError(fmt.Errorf("リクエストボディの作成に失敗しました: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return model.NewPermanentError(fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Error("チャット基盤APIの呼び出しに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return model.NewTransientError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		t.logger.Error("チャット基盤APIがエラーステータスを返しました",
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		statusErr := fmt.Errorf("チャット基盤APIがステータス %d を返しました", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return model.NewTransientError(statusErr)
		}
		return model.NewPermanentError(statusErr)
	}
	return nil
}

// compile-time interface check
var _ Transport = (*HTTPTransport)(nil)
