// Package model はドメインモデルを定義する。
package model

import "time"

// BroadcastStatus はブロードキャストジョブの実行状態を表す。
type BroadcastStatus string

const (
	// BroadcastStatusRunning は配信中の状態。
	BroadcastStatusRunning BroadcastStatus = "running"
	// BroadcastStatusCompleted は全配信が確定した終端状態。以後不変。
	BroadcastStatusCompleted BroadcastStatus = "completed"
)

// BroadcastJob は1回のファンアウト配信とその集計結果を表す。
// ディスパッチャのみが書き込む。success + failed は完了時点で
// TargetCount と正確に一致する。
type BroadcastJob struct {
	ID           string
	Message      string
	TargetCount  int
	SuccessCount int
	FailedCount  int
	Status       BroadcastStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
}
