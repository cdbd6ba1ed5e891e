package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role はアプリケーション内での権限レベルを表す。
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// DefaultSessionLifetime はプロバイダーが有効期限を返さない場合のセッション有効期間。
const DefaultSessionLifetime = 24 * time.Hour

// Identity はログイン中ユーザーのアプリケーション上の表現。
// Sessionにはスナップショット（値コピー）として保持される。
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"username"`
	Email       string `json:"email"`
	Role        Role   `json:"role"`
	PublicKey   string `json:"publicKey,omitempty"`
}

// IsAdmin は管理者ロールかどうかを返す。
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Session はブラウジングコンテキストごとの認証済みセッションを表す。
type Session struct {
	Token     string
	Identity  Identity
	ExpiresAt time.Time
}

// Valid は現在時刻がExpiresAtより前かどうかを返す。
// nilのSessionは無効として扱う。
func (s *Session) Valid(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// Clone はSessionのコピーを返す。Identityは値型のため深いコピーになる。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// sessionJSON は永続化形式。expiresAtはエポックミリ秒。
type sessionJSON struct {
	Token     string   `json:"token"`
	User      Identity `json:"user"`
	ExpiresAt int64    `json:"expiresAt"`
}

// MarshalJSON はSessionを永続化形式に変換する。
func (s Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionJSON{
		Token:     s.Token,
		User:      s.Identity,
		ExpiresAt: s.ExpiresAt.UnixMilli(),
	})
}

// UnmarshalJSON は永続化形式からSessionを復元する。
// token、user.id、expiresAtのいずれかが欠けている場合はエラーを返す。
func (s *Session) UnmarshalJSON(b []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Token == "" || raw.User.ID == "" || raw.ExpiresAt == 0 {
		return fmt.Errorf("incomplete session record")
	}
	if raw.User.Role == "" {
		raw.User.Role = RoleUser
	}
	s.Token = raw.Token
	s.Identity = raw.User
	s.ExpiresAt = time.UnixMilli(raw.ExpiresAt)
	return nil
}

// Profile はプロバイダーのユーザーIDに紐付くアプリケーション側のプロフィール。
// IsAdminが権限昇格の唯一の判定材料となる。
type Profile struct {
	UserID    string
	Username  string
	IsAdmin   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
