// Package provider は外部IDプロバイダーとの認証情報交換を提供する。
//
// ホスト型BaaSの認証API（GoTrue互換）を呼び出すGoTrueClientと、
// PostgreSQL上で完結するLocalProviderの2実装を持つ。
// 呼び出し側はエラーをErrInvalidCredentials等の番兵エラーで判別し、
// それ以外のエラーは通信障害（再試行可能）として扱う。
package provider

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidCredentials はメールアドレスまたはパスワードが拒否されたことを表す。
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrUserExists は登録済みのメールアドレスであることを表す。
	ErrUserExists = errors.New("user already registered")
	// ErrInvalidToken はアクセストークンが無効・失効済みであることを表す。
	ErrInvalidToken = errors.New("invalid or expired access token")
)

// User はプロバイダーが管理するユーザー情報。
type User struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// Username はメタデータのusernameを返す。
func (u User) Username() string {
	return u.Metadata["username"]
}

// EmailLocalPart はメールアドレスの@より前を返す。
func (u User) EmailLocalPart() string {
	local, _, _ := strings.Cut(u.Email, "@")
	return local
}

// Grant はパスワード認証の結果として発行されるアクセス権。
// ExpiresAtがゼロの場合はプロバイダーが有効期限を返さなかったことを表す。
type Grant struct {
	AccessToken string
	ExpiresAt   time.Time
	User        User
}

// SignUpInput は新規登録の入力。
type SignUpInput struct {
	Email    string
	Password string
	Metadata map[string]string
}

// Client はIDプロバイダーとの認証情報交換のインターフェース。
type Client interface {
	// SignInWithPassword はメールアドレスとパスワードでアクセストークンを取得する。
	SignInWithPassword(ctx context.Context, email, password string) (*Grant, error)
	// SignUp はユーザーを新規登録する。ログインは行わない。
	SignUp(ctx context.Context, in SignUpInput) (*User, error)
	// SignOut はアクセストークンを失効させる。
	SignOut(ctx context.Context, accessToken string) error
	// GetUser はアクセストークンを検証してユーザー情報を返す。
	GetUser(ctx context.Context, accessToken string) (*User, error)
	// UpdateUser はユーザーのメタデータを更新する。
	UpdateUser(ctx context.Context, accessToken string, metadata map[string]string) (*User, error)
}
