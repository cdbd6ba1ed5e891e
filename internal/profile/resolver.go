// Package profile はプロバイダーのユーザー情報からアプリケーション上のIdentityを組み立てる。
package profile

import (
	"context"
	"log/slog"

	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/provider"
)

// ProfileFinder はプロフィールの検索に必要なインターフェース。
// repository.ProfileRepositoryの部分集合として定義する。
type ProfileFinder interface {
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)
}

// Resolver はプロバイダーのユーザーをIdentityに変換し、ロールを判定する。
type Resolver struct {
	profiles ProfileFinder
	logger   *slog.Logger
}

// NewResolver はResolverを生成する。
func NewResolver(profiles ProfileFinder, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{profiles: profiles, logger: logger}
}

// Resolve はユーザーのIdentityを返す。
// profiles.is_adminがtrueの場合のみadmin、それ以外（行がない・検索失敗を含む）はuser。
// 表示名はプロフィールのusername、メタデータのusername、メールアドレスの@より前の順に採用する。
func (r *Resolver) Resolve(ctx context.Context, u provider.User) model.Identity {
	ident := model.Identity{
		ID:        u.ID,
		Email:     u.Email,
		Role:      model.RoleUser,
		PublicKey: u.Metadata["publicKey"],
	}

	p, err := r.profiles.FindByUserID(ctx, u.ID)
	if err != nil {
		r.logger.Warn("プロフィールの取得に失敗したため一般ユーザーとして扱います",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()),
		)
	}

	if p != nil {
		if p.IsAdmin {
			ident.Role = model.RoleAdmin
		}
		ident.DisplayName = p.Username
	}
	if ident.DisplayName == "" {
		ident.DisplayName = u.Username()
	}
	if ident.DisplayName == "" {
		ident.DisplayName = u.EmailLocalPart()
	}

	return ident
}
