// Package model はドメインモデルを定義する。
package model

import "time"

// MailMessage はメールリースに属する受信メッセージを表す。
// リース削除時にカスケード削除される従属レコード。
type MailMessage struct {
	ID         string
	LeaseID    string
	ProviderID string // メールプロバイダ側のメッセージID（リース内で一意）
	From       string
	Subject    string
	Body       string // サニタイズ済み本文
	ReceivedAt time.Time
	CreatedAt  time.Time
}
