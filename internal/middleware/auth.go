package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/hitoshi/tempro/internal/model"
)

// apiTokenHeader は上流サービスが提示するAPIトークンのヘッダー名。
const apiTokenHeader = "X-Api-Token"

// ownerIDHeader は操作対象の所有者IDのヘッダー名。上流のボットが設定する。
const ownerIDHeader = "X-Owner-Id"

type contextKey string

const ownerIDContextKey contextKey = "owner_id"

// ErrNoOwnerID はコンテキストに所有者IDが存在しないことを表す。
var ErrNoOwnerID = errors.New("所有者IDがコンテキストに存在しません")

// WithOwnerID は所有者IDをコンテキストに格納する。
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDContextKey, ownerID)
}

// OwnerIDFromContext はコンテキストから所有者IDを取り出す。
func OwnerIDFromContext(ctx context.Context) (string, error) {
	ownerID, ok := ctx.Value(ownerIDContextKey).(string)
	if !ok || ownerID == "" {
		return "", ErrNoOwnerID
	}
	return ownerID, nil
}

// NewTokenAuthMiddleware はAPIトークン認証のミドルウェアを生成する。
// トークン不一致は401を返す。比較は一定時間で行う。
func NewTokenAuthMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(apiTokenHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     "UNAUTHORIZED",
					Message:  "APIトークンが不正です。",
					Category: "system",
					Action:   "正しいトークンを設定してください。",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewOwnerContextMiddleware は所有者IDヘッダーをコンテキストに格納する
// ミドルウェアを生成する。ヘッダーの必須チェックは各ハンドラーが行う。
func NewOwnerContextMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ownerID := r.Header.Get(ownerIDHeader); ownerID != "" {
				r = r.WithContext(WithOwnerID(r.Context(), ownerID))
			}
			next.ServeHTTP(w, r)
		})
	}
}
