// Package model はドメインモデルを定義する。
package model

import "time"

// LeaseKind はリースの対象リソース種別を表す。
type LeaseKind string

const (
	// LeaseKindEmail は一時メールアドレスのリース。
	LeaseKindEmail LeaseKind = "email"
	// LeaseKindSubBot はサブボット（Pirjada）インスタンスのリース。
	LeaseKindSubBot LeaseKind = "subbot"
	// LeaseKindSession はユーザーセッションのリース。
	LeaseKindSession LeaseKind = "session"
)

// Valid はサポートされている種別かどうかを返す。
func (k LeaseKind) Valid() bool {
	switch k {
	case LeaseKindEmail, LeaseKindSubBot, LeaseKindSession:
		return true
	}
	return false
}

// LeaseState はリースのライフサイクル状態を表す。
type LeaseState string

const (
	// LeaseStateActive は有効なリース状態。
	LeaseStateActive LeaseState = "active"
	// LeaseStatePendingWarning は期限前警告を通知済みの状態。
	LeaseStatePendingWarning LeaseState = "pending_warning"
	// LeaseStateExpired は期限切れ（teardown待ちを含む）の状態。
	LeaseStateExpired LeaseState = "expired"
	// LeaseStateDeleted は削除済みの終端状態。復活しない。
	LeaseStateDeleted LeaseState = "deleted"
)

// Lease は期限付きで所有されるリソース（一時メール、サブボット、セッション）を表す。
type Lease struct {
	ID               string
	OwnerID          string
	Kind             LeaseKind
	State            LeaseState
	UsageCounter     int64
	TeardownAttempts int
	NeedsReview      bool
	Metadata         map[string]string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	UpdatedAt        time.Time
}

// リースのMetadataで使用するキー。
const (
	// MetadataKeyAddress はメールリースの完全なアドレス（login@domain）。
	MetadataKeyAddress = "address"
	// MetadataKeyLogin はメールリースのログイン部。
	MetadataKeyLogin = "login"
	// MetadataKeyDomain はメールリースのドメイン部。
	MetadataKeyDomain = "domain"
	// MetadataKeyTokenRef はサブボットリースの外部クレデンシャル参照。
	MetadataKeyTokenRef = "token_ref"
)

// CanTransition はfromからtoへの状態遷移が許可されているかを返す。
// 遷移は原則として前進のみ: active → pending_warning → expired → deleted。
// active/pending_warningからdeletedへの直接遷移（明示的な削除）も許可する。
// pending_warning → active は更新（renewal）ポリシーが許可する場合の唯一の巻き戻し。
// deletedは終端であり、いかなる遷移も許可しない。
func CanTransition(from, to LeaseState) bool {
	switch from {
	case LeaseStateActive:
		return to == LeaseStatePendingWarning || to == LeaseStateExpired || to == LeaseStateDeleted
	case LeaseStatePendingWarning:
		return to == LeaseStateActive || to == LeaseStateExpired || to == LeaseStateDeleted
	case LeaseStateExpired:
		return to == LeaseStateDeleted
	case LeaseStateDeleted:
		return false
	}
	return false
}

// EmailAddress はメールリースのアドレスをMetadataから取り出す。
// メールリース以外、またはMetadataが欠けている場合は空文字を返す。
func (l *Lease) EmailAddress() string {
	if l.Kind != LeaseKindEmail || l.Metadata == nil {
		return ""
	}
	return l.Metadata[MetadataKeyAddress]
}
