// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tempro/internal/middleware"
	"github.com/hitoshi/tempro/internal/model"
)

// LeaseEngineInterface はリースハンドラーが必要とするエンジン操作。
type LeaseEngineInterface interface {
	Create(ctx context.Context, ownerID string, kind model.LeaseKind) (*model.Lease, error)
	Get(ctx context.Context, leaseID, ownerID string) (*model.Lease, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Lease, error)
	Renew(ctx context.Context, leaseID, ownerID string) (*model.Lease, error)
	Delete(ctx context.Context, leaseID, ownerID string) error
	RecordUsage(ctx context.Context, leaseID string) error
}

// MailboxServiceInterface は受信トレイの同期と閲覧の操作。
type MailboxServiceInterface interface {
	Sync(ctx context.Context, leaseID, ownerID string) ([]*model.MailMessage, error)
	List(ctx context.Context, leaseID, ownerID string) ([]*model.MailMessage, error)
	Read(ctx context.Context, leaseID, ownerID, messageID string) (*model.MailMessage, error)
}

// LeaseHandler はリース管理のHTTPハンドラー。
type LeaseHandler struct {
	engine  LeaseEngineInterface
	mailbox MailboxServiceInterface
}

// NewLeaseHandler はLeaseHandlerを生成する。
func NewLeaseHandler(engine LeaseEngineInterface, mailbox MailboxServiceInterface) *LeaseHandler {
	return &LeaseHandler{engine: engine, mailbox: mailbox}
}

// createLeaseRequest はリース作成リクエストのボディ。
type createLeaseRequest struct {
	Kind string `json:"kind"`
}

// leaseResponse はリース情報のAPIレスポンス。
type leaseResponse struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"owner_id"`
	Kind         string            `json:"kind"`
	State        string            `json:"state"`
	UsageCounter int64             `json:"usage_counter"`
	NeedsReview  bool              `json:"needs_review"`
	Metadata     map[string]string `json:"metadata"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// messageResponse はメールメッセージのAPIレスポンス。
type messageResponse struct {
	ID         string    `json:"id"`
	LeaseID    string    `json:"lease_id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

func toLeaseResponse(l *model.Lease) leaseResponse {
	return leaseResponse{
		ID:           l.ID,
		OwnerID:      l.OwnerID,
		Kind:         string(l.Kind),
		State:        string(l.State),
		UsageCounter: l.UsageCounter,
		NeedsReview:  l.NeedsReview,
		Metadata:     l.Metadata,
		CreatedAt:    l.CreatedAt,
		ExpiresAt:    l.ExpiresAt,
	}
}

func toMessageResponse(m *model.MailMessage) messageResponse {
	return messageResponse{
		ID:         m.ID,
		LeaseID:    m.LeaseID,
		From:       m.From,
		Subject:    m.Subject,
		Body:       m.Body,
		ReceivedAt: m.ReceivedAt,
	}
}

func toMessageResponses(msgs []*model.MailMessage) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	return out
}

// ownerID は所有者IDヘッダーの必須チェックを行う。
// 欠けている場合は400を書き込んでfalseを返す。
func ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := middleware.OwnerIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("X-Owner-Id ヘッダーが指定されていません"))
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// CreateLease はリース作成を処理する。
// POST /api/leases
func (h *LeaseHandler) CreateLease(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req createLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("リクエストボディの解析に失敗しました"))
		return
	}

	lease, err := h.engine.Create(r.Context(), owner, model.LeaseKind(req.Kind))
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLeaseResponse(lease))
}

// ListLeases は所有者のリース一覧を返す。
// GET /api/leases
func (h *LeaseHandler) ListLeases(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	leases, err := h.engine.ListByOwner(r.Context(), owner)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	out := make([]leaseResponse, 0, len(leases))
	for _, l := range leases {
		out = append(out, toLeaseResponse(l))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetLease はリース詳細を返す。
// GET /api/leases/{id}
func (h *LeaseHandler) GetLease(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	lease, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaseResponse(lease))
}

// RenewLease はリースの期限延長を処理する。
// POST /api/leases/{id}/renew
func (h *LeaseHandler) RenewLease(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	lease, err := h.engine.Renew(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaseResponse(lease))
}

// DeleteLease はリースの明示的な削除を処理する。冪等。
// DELETE /api/leases/{id}
func (h *LeaseHandler) DeleteLease(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	if err := h.engine.Delete(r.Context(), chi.URLParam(r, "id"), owner); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordUsage はリースの使用記録を処理する。
// POST /api/leases/{id}/usage
func (h *LeaseHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	leaseID := chi.URLParam(r, "id")
	// 所有権の確認をしてから記録する
	if _, err := h.engine.Get(r.Context(), leaseID, owner); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	if err := h.engine.RecordUsage(r.Context(), leaseID); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncMessages は受信トレイをプロバイダと同期し、保存済みメッセージを返す。
// POST /api/leases/{id}/messages/sync
func (h *LeaseHandler) SyncMessages(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	msgs, err := h.mailbox.Sync(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponses(msgs))
}

// ListMessages は保存済みメッセージ一覧を返す。
// GET /api/leases/{id}/messages
func (h *LeaseHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	msgs, err := h.mailbox.List(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponses(msgs))
}

// GetMessage は保存済みメッセージを1件返す。
// GET /api/leases/{id}/messages/{messageID}
func (h *LeaseHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	msg, err := h.mailbox.Read(r.Context(), chi.URLParam(r, "id"), owner, chi.URLParam(r, "messageID"))
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}
