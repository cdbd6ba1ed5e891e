package model

import "time"

// Permission はファイルの公開範囲を表す。
type Permission string

const (
	// PermissionPublic は全ユーザーが閲覧可能。
	PermissionPublic Permission = "public"
	// PermissionPrivate は所有者（と管理者）のみ閲覧可能。
	PermissionPrivate Permission = "private"
	// PermissionShared はSharedWithに含まれるユーザーも閲覧可能。
	PermissionShared Permission = "shared"
)

// Valid は定義済みの公開範囲かどうかを返す。
func (p Permission) Valid() bool {
	switch p {
	case PermissionPublic, PermissionPrivate, PermissionShared:
		return true
	}
	return false
}

// File はアップロードされたファイルのメタデータを表す。
type File struct {
	ID          string
	Name        string
	OwnerID     string
	OwnerName   string // 管理画面での表示用
	Size        int64
	ContentType string
	Hash        string // 内容のSHA-256（16進）
	Permission  Permission
	SharedWith  []string
	StoragePath string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VisibleTo はviewerがファイルを閲覧できるかどうかを返す。
func (f *File) VisibleTo(viewer Identity) bool {
	if f.OwnerID == viewer.ID || viewer.IsAdmin() {
		return true
	}
	switch f.Permission {
	case PermissionPublic:
		return true
	case PermissionShared:
		for _, id := range f.SharedWith {
			if id == viewer.ID {
				return true
			}
		}
	}
	return false
}

// ManageableBy はactorが公開範囲の変更や削除を行えるかどうかを返す。
func (f *File) ManageableBy(actor Identity) bool {
	return f.OwnerID == actor.ID || actor.IsAdmin()
}

// AccessType はアクセスログの種別を表す。
type AccessType string

const (
	AccessView     AccessType = "view"
	AccessDownload AccessType = "download"
	AccessShare    AccessType = "share"
)

// Valid は定義済みのアクセス種別かどうかを返す。
func (t AccessType) Valid() bool {
	switch t {
	case AccessView, AccessDownload, AccessShare:
		return true
	}
	return false
}

// AccessLog はファイルへのアクセス履歴1件を表す。
type AccessLog struct {
	ID         string
	FileID     string
	UserID     string
	AccessType AccessType
	Details    string
	CreatedAt  time.Time

	// 表示用
	FileName  string
	UserEmail string
}

// AccessLogFilter は管理者向けアクセスログ検索の条件。
// ゼロ値のフィールドは条件に含めない。
type AccessLogFilter struct {
	FileID     string
	UserID     string
	AccessType AccessType
	Since      time.Time
	Limit      int
}
