// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: quota, validation, lease, broadcast, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeQuotaExceeded     = "QUOTA_EXCEEDED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeLeaseNotFound     = "LEASE_NOT_FOUND"
	ErrCodeStateConflict     = "STATE_CONFLICT"
	ErrCodeMessageNotFound   = "MESSAGE_NOT_FOUND"
	ErrCodeBroadcastNotFound = "BROADCAST_NOT_FOUND"
	ErrCodeDuplicateLease    = "DUPLICATE_LEASE"
)

// NewQuotaExceededError は同時保有数上限エラーを生成する。
func NewQuotaExceededError(kind LeaseKind, limit int) *APIError {
	return &APIError{
		Code:     ErrCodeQuotaExceeded,
		Message:  fmt.Sprintf("%s の同時保有数が上限（%d件）に達しています。", kind, limit),
		Category: "quota",
		Action:   "不要なリソースを削除してから再度お試しください。",
	}
}

// NewRateLimitedError は作成レート上限エラーを生成する。
func NewRateLimitedError(kind LeaseKind) *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  fmt.Sprintf("%s の作成回数が制限を超えています。", kind),
		Category: "quota",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewValidationError は入力不正エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewLeaseNotFoundError はリース未検出エラーを生成する。
func NewLeaseNotFoundError(leaseID string) *APIError {
	return &APIError{
		Code:     ErrCodeLeaseNotFound,
		Message:  fmt.Sprintf("指定されたリースが見つかりません: %s", leaseID),
		Category: "lease",
		Action:   "リースIDを確認してください。",
	}
}

// NewStateConflictError は状態競合エラーを生成する。
// 並行する操作により先に状態が変更された場合に返す。
func NewStateConflictError(leaseID string, state LeaseState) *APIError {
	return &APIError{
		Code:     ErrCodeStateConflict,
		Message:  fmt.Sprintf("リース %s は %s 状態のためこの操作を実行できません。", leaseID, state),
		Category: "lease",
		Action:   "最新のリース状態を確認してください。",
	}
}

// NewMessageNotFoundError はメッセージ未検出エラーを生成する。
func NewMessageNotFoundError(messageID string) *APIError {
	return &APIError{
		Code:     ErrCodeMessageNotFound,
		Message:  fmt.Sprintf("指定されたメッセージが見つかりません: %s", messageID),
		Category: "lease",
		Action:   "メッセージIDを確認してください。",
	}
}

// NewBroadcastNotFoundError はブロードキャストジョブ未検出エラーを生成する。
func NewBroadcastNotFoundError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeBroadcastNotFound,
		Message:  fmt.Sprintf("指定されたブロードキャストジョブが見つかりません: %s", jobID),
		Category: "broadcast",
		Action:   "ジョブIDを確認してください。",
	}
}

// NewDuplicateLeaseError はリースID重複エラーを生成する。
func NewDuplicateLeaseError(leaseID string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateLease,
		Message:  fmt.Sprintf("同じIDのリースが既に存在します: %s", leaseID),
		Category: "lease",
		Action:   "再度お試しください。",
	}
}

// TransientError は一時的なインフラ障害を表す。
// 呼び出し側が上限付きリトライの対象とするエラー分類。
type TransientError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

// Unwrap はラップされたエラーを返す。
func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError は一時障害エラーを生成する。
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// PermanentError は恒久的な障害（失効したクレデンシャル、到達不能な宛先など）を表す。
// リトライせず、必要に応じてオペレータ通知の対象とする。
type PermanentError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

// Unwrap はラップされたエラーを返す。
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError は恒久障害エラーを生成する。
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

// IsTransient はエラーが一時障害に分類されるかを返す。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent はエラーが恒久障害に分類されるかを返す。
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
