// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/fileledger/internal/model"
)

// ProfileRepository はプロフィールデータの永続化インターフェース。
type ProfileRepository interface {
	// FindByUserID はプロバイダーのユーザーIDでプロフィールを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)

	// Create はプロフィールを作成する。既に存在する場合は何もしない。
	// is_adminは常にfalseで作成される。
	Create(ctx context.Context, profile *model.Profile, email string) error

	// UpdateUsername は表示名を更新する。
	UpdateUsername(ctx context.Context, userID, username string) error
}

// FileRepository はファイルメタデータの永続化インターフェース。
type FileRepository interface {
	// FindByID は指定IDのファイルを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.File, error)

	// FindByOwnerAndHash は所有者と内容ハッシュでファイルを検索する。見つからない場合はnilを返す。
	FindByOwnerAndHash(ctx context.Context, ownerID, hash string) (*model.File, error)

	// Create はファイルメタデータを作成する。
	// 所有者と内容ハッシュが重複する場合はErrDuplicateFileを返す。
	Create(ctx context.Context, file *model.File) error

	// ListByOwner は所有者のファイルを新しい順に返す。
	ListByOwner(ctx context.Context, ownerID string) ([]*model.File, error)

	// ListSharedWith は指定ユーザーに共有されたファイルを新しい順に返す。
	ListSharedWith(ctx context.Context, userID string) ([]*model.File, error)

	// ListAll は全ファイルを所有者の表示名付きで新しい順に返す。
	ListAll(ctx context.Context) ([]*model.File, error)

	// UpdatePermission は公開範囲と共有先を更新する。
	UpdatePermission(ctx context.Context, id string, permission model.Permission, sharedWith []string) error

	// DeleteByID はファイルメタデータを削除する。関連するaccess_logsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// AccessLogRepository はアクセスログの永続化インターフェース。
type AccessLogRepository interface {
	// Create はアクセスログを記録する。
	Create(ctx context.Context, log *model.AccessLog) error

	// ListByFile はファイルのアクセスログを新しい順に返す。
	ListByFile(ctx context.Context, fileID string, limit int) ([]*model.AccessLog, error)

	// Search は条件に一致するアクセスログをファイル名・メールアドレス付きで返す。
	Search(ctx context.Context, filter model.AccessLogFilter) ([]*model.AccessLog, error)
}
