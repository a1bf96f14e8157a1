package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tempro/internal/middleware"
	"github.com/hitoshi/tempro/internal/model"
	"github.com/hitoshi/tempro/internal/repository"
)

// BroadcastDispatcherInterface は一斉配信の操作。
type BroadcastDispatcherInterface interface {
	Dispatch(ctx context.Context, message string) (*model.BroadcastJob, error)
	Status(ctx context.Context, jobID string) (*model.BroadcastJob, error)
}

// StatsSource は日次統計の集計元。
type StatsSource interface {
	DailyStats(ctx context.Context, day time.Time) (*repository.DailyStats, error)
}

// AdminHandler は運用者向けAPIのHTTPハンドラー。
type AdminHandler struct {
	dispatcher BroadcastDispatcherInterface
	stats      StatsSource
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(dispatcher BroadcastDispatcherInterface, stats StatsSource) *AdminHandler {
	return &AdminHandler{dispatcher: dispatcher, stats: stats}
}

// broadcastRequest は一斉配信リクエストのボディ。
type broadcastRequest struct {
	Message string `json:"message"`
}

// broadcastJobResponse は配信ジョブのAPIレスポンス。
type broadcastJobResponse struct {
	ID           string     `json:"id"`
	Message      string     `json:"message"`
	TargetCount  int        `json:"target_count"`
	SuccessCount int        `json:"success_count"`
	FailedCount  int        `json:"failed_count"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// dailyStatsResponse は日次統計のAPIレスポンス。
type dailyStatsResponse struct {
	Day            string `json:"day"`
	LeasesCreated  int    `json:"leases_created"`
	LeasesDeleted  int    `json:"leases_deleted"`
	MessagesStored int    `json:"messages_stored"`
	ActiveLeases   int    `json:"active_leases"`
	ActiveOwners   int    `json:"active_owners"`
}

func toBroadcastJobResponse(job *model.BroadcastJob) broadcastJobResponse {
	return broadcastJobResponse{
		ID:           job.ID,
		Message:      job.Message,
		TargetCount:  job.TargetCount,
		SuccessCount: job.SuccessCount,
		FailedCount:  job.FailedCount,
		Status:       string(job.Status),
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

// StartBroadcast は一斉配信の開始を処理する。配信はバックグラウンドで進行する。
// POST /admin/broadcast
func (h *AdminHandler) StartBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("リクエストボディの解析に失敗しました"))
		return
	}

	job, err := h.dispatcher.Dispatch(r.Context(), req.Message)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toBroadcastJobResponse(job))
}

// GetBroadcast は配信ジョブの状態を返す。
// GET /admin/broadcast/{id}
func (h *AdminHandler) GetBroadcast(w http.ResponseWriter, r *http.Request) {
	job, err := h.dispatcher.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBroadcastJobResponse(job))
}

// GetDailyStats は指定UTC暦日の統計を返す。dayパラメータ省略時は当日。
// GET /admin/stats?day=2026-08-31
func (h *AdminHandler) GetDailyStats(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if param := r.URL.Query().Get("day"); param != "" {
		parsed, err := time.Parse("2006-01-02", param)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest,
				model.NewValidationError("dayパラメータはYYYY-MM-DD形式で指定してください"))
			return
		}
		day = parsed
	}

	stats, err := h.stats.DailyStats(r.Context(), day)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dailyStatsResponse{
		Day:            stats.Day.Format("2006-01-02"),
		LeasesCreated:  stats.LeasesCreated,
		LeasesDeleted:  stats.LeasesDeleted,
		MessagesStored: stats.MessagesStored,
		ActiveLeases:   stats.ActiveLeases,
		ActiveOwners:   stats.ActiveOwners,
	})
}
