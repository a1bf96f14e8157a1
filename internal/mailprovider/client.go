// Package mailprovider は外部メールプロバイダAPIのクライアントを提供する。
// ドメイン一覧取得、メールボックス生成、メッセージ一覧・本文取得を含む。
// プロバイダはレート制限付きでネットワーク遅延のある外部コラボレータとして
// 扱い、タイムアウトはリトライ可能なエラーとして呼び出し元に返す。
package mailprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/tempro/internal/model"
)

// メッセージ日時のプロバイダ側フォーマット。
const providerTimeLayout = "2006-01-02 15:04:05"

// MessageSummary はメールボックス内のメッセージ概要。
type MessageSummary struct {
	ID      string
	From    string
	Subject string
	Date    time.Time
}

// MessageBody はメッセージ本文。BodyはHTMLをサニタイズ済みのテキスト。
type MessageBody struct {
	ID      string
	From    string
	Subject string
	Date    time.Time
	Body    string
}

// Client はメールプロバイダAPIのクライアント。
// チャット転送前提のため、HTML本文はStrictPolicyで全タグを除去して扱う。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string // テスト用にエンドポイントを差し替え可能
	sanitizer  *bluemonday.Policy
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		sanitizer:  bluemonday.StrictPolicy(),
	}
}

// ListDomains は利用可能なメールドメインの一覧を取得する。
func (c *Client) ListDomains(ctx context.Context) ([]string, error) {
	var domains []string
	if err := c.getJSON(ctx, url.Values{"action": {"getDomainList"}}, &domains); err != nil {
		return nil, fmt.Errorf("ドメイン一覧の取得に失敗しました: %w", err)
	}
	return domains, nil
}

// GenerateMailbox は新しいランダムメールボックスを生成し、loginとdomainを返す。
func (c *Client) GenerateMailbox(ctx context.Context) (login, domain string, err error) {
	var addresses []string
	if err := c.getJSON(ctx, url.Values{
		"action": {"genRandomMailbox"},
		"count":  {"1"},
	}, &addresses); err != nil {
		return "", "", fmt.Errorf("メールボックスの生成に失敗しました: %w", err)
	}

	if len(addresses) == 0 {
		return "", "", model.NewPermanentError(errors.New("プロバイダがアドレスを返しませんでした"))
	}

	login, domain, ok := strings.Cut(addresses[0], "@")
	if !ok || login == "" || domain == "" {
		return "", "", model.NewPermanentError(fmt.Errorf("不正なアドレス形式: %q", addresses[0]))
	}
	return login, domain, nil
}

// ListMessages はメールボックスのメッセージ概要一覧を取得する。
func (c *Client) ListMessages(ctx context.Context, login, domain string) ([]MessageSummary, error) {
	var raw []struct {
		ID      json.Number `json:"id"`
		From    string      `json:"from"`
		Subject string      `json:"subject"`
		Date    string      `json:"date"`
	}
	if err := c.getJSON(ctx, url.Values{
		"action": {"getMessages"},
		"login":  {login},
		"domain": {domain},
	}, &raw); err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}

	summaries := make([]MessageSummary, 0, len(raw))
	for _, m := range raw {
		summaries = append(summaries, MessageSummary{
			ID:      m.ID.String(),
			From:    m.From,
			Subject: m.Subject,
			Date:    parseProviderTime(m.Date),
		})
	}
	return summaries, nil
}

// ReadMessage は指定IDのメッセージ本文を取得する。
// HTML本文はサニタイズされ、textBodyが存在する場合はそちらを優先する。
func (c *Client) ReadMessage(ctx context.Context, login, domain, id string) (*MessageBody, error) {
	var raw struct {
		ID       json.Number `json:"id"`
		From     string      `json:"from"`
		Subject  string      `json:"subject"`
		Date     string      `json:"date"`
		TextBody string      `json:"textBody"`
		HTMLBody string      `json:"htmlBody"`
		Body     string      `json:"body"`
	}
	if err := c.getJSON(ctx, url.Values{
		"action": {"readMessage"},
		"login":  {login},
		"domain": {domain},
		"id":     {id},
	}, &raw); err != nil {
		return nil, fmt.Errorf("メッセージ本文の取得に失敗しました: %w", err)
	}

	body := raw.TextBody
	if body == "" {
		body = raw.HTMLBody
	}
	if body == "" {
		body = raw.Body
	}

	return &MessageBody{
		ID:      raw.ID.String(),
		From:    raw.From,
		Subject: raw.Subject,
		Date:    parseProviderTime(raw.Date),
		Body:    c.sanitizer.Sanitize(body),
	}, nil
}

// getJSON はAPIにGETリクエストを送り、レスポンスJSONをoutにデコードする。
// ネットワーク障害・タイムアウト・429/5xxはTransientError、
// その他の異常ステータスはPermanentErrorとして分類する。
func (c *Client) getJSON(ctx context.Context, params url.Values, out any) error {
	reqURL, err := url.Parse(c.baseURL)
	if err != nil {
		return model.NewPermanentError(fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err))
	}
	reqURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return model.NewPermanentError(fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err))
	}
	req.Header.Set("User-Agent", "Tempro/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("メールプロバイダAPIの呼び出しに失敗しました",
			slog.String("action", params.Get("action")),
			slog.String("error", err.Error()),
		)
		return model.NewTransientError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("メールプロバイダAPIがエラーステータスを返しました",
			slog.String("action", params.Get("action")),
			slog.Int("http_status", resp.StatusCode),
		)
		statusErr := fmt.Errorf("メールプロバイダAPIがステータス %d を返しました", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return model.NewTransientError(statusErr)
		}
		return model.NewPermanentError(statusErr)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewTransientError(fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return model.NewPermanentError(fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}
	return nil
}

// parseProviderTime はプロバイダのメッセージ日時をパースする。
// パースできない場合は現在時刻（UTC）を返す。
func parseProviderTime(s string) time.Time {
	t, err := time.Parse(providerTimeLayout, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
