package provider

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
)

// pqUniqueViolation はPostgreSQLの一意制約違反コード。
const pqUniqueViolation = "23505"

// LocalConfig はLocalProviderの設定。
type LocalConfig struct {
	JWTSecret     string
	TokenLifetime time.Duration
	BcryptCost    int
}

// LocalProvider はPostgreSQLのauth_usersテーブルで認証を行うClient実装。
// パスワードはbcryptで保存し、アクセストークンはHS256のJWTで発行する。
// ログアウトしたトークンはrevoked_tokensに記録して無効化する。
type LocalProvider struct {
	db     *sql.DB
	config LocalConfig
	now    func() time.Time
}

// NewLocalProvider はLocalProviderを生成する。
func NewLocalProvider(db *sql.DB, config LocalConfig) *LocalProvider {
	if config.TokenLifetime <= 0 {
		config.TokenLifetime = 24 * time.Hour
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &LocalProvider{db: db, config: config, now: time.Now}
}

// localClaims はアクセストークンのクレーム。
type localClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// SignInWithPassword はパスワードを検証しアクセストークンを発行する。
// メールアドレス未登録とパスワード誤りは区別しない。
func (p *LocalProvider) SignInWithPassword(ctx context.Context, email, password string) (*Grant, error) {
	var (
		user     User
		hash     string
		metadata []byte
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, metadata FROM auth_users WHERE lower(email) = lower($1)`,
		email,
	).Scan(&user.ID, &user.Email, &hash, &metadata)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find auth user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	user.Metadata = decodeMetadata(metadata)

	token, expiresAt, err := p.issueToken(user)
	if err != nil {
		return nil, err
	}

	return &Grant{AccessToken: token, ExpiresAt: expiresAt, User: user}, nil
}

// SignUp はユーザーを登録する。
func (p *LocalProvider) SignUp(ctx context.Context, in SignUpInput) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), p.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	metadata, err := json.Marshal(nonNil(in.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	user := User{
		ID:       uuid.New().String(),
		Email:    strings.TrimSpace(in.Email),
		Metadata: nonNil(in.Metadata),
	}
	now := p.now()

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO auth_users (id, email, password_hash, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Email, string(hash), metadata, now, now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to insert auth user: %w", err)
	}

	return &user, nil
}

// SignOut はトークンを失効リストに登録する。
// 既に無効なトークンは成功として扱う。
func (p *LocalProvider) SignOut(ctx context.Context, accessToken string) error {
	claims, err := p.parseToken(accessToken)
	if err != nil {
		return nil
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2)
		 ON CONFLICT (jti) DO NOTHING`,
		claims.ID, claims.ExpiresAt.Time,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// GetUser はトークンを検証しユーザー情報を返す。
func (p *LocalProvider) GetUser(ctx context.Context, accessToken string) (*User, error) {
	claims, err := p.parseToken(accessToken)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var revoked bool
	err = p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1)`,
		claims.ID,
	).Scan(&revoked)
	if err != nil {
		return nil, fmt.Errorf("failed to check token revocation: %w", err)
	}
	if revoked {
		return nil, ErrInvalidToken
	}

	return p.findUser(ctx, claims.Subject)
}

// UpdateUser はメタデータをマージして更新する。
func (p *LocalProvider) UpdateUser(ctx context.Context, accessToken string, metadata map[string]string) (*User, error) {
	user, err := p.GetUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	patch, err := json.Marshal(nonNil(metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`UPDATE auth_users SET metadata = metadata || $2::jsonb, updated_at = $3 WHERE id = $1`,
		user.ID, patch, p.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update auth user: %w", err)
	}

	for k, v := range metadata {
		user.Metadata[k] = v
	}
	return user, nil
}

func (p *LocalProvider) findUser(ctx context.Context, id string) (*User, error) {
	var (
		user     User
		metadata []byte
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, email, metadata FROM auth_users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Email, &metadata)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find auth user: %w", err)
	}
	user.Metadata = decodeMetadata(metadata)
	return &user, nil
}

func (p *LocalProvider) issueToken(user User) (string, time.Time, error) {
	now := p.now()
	expiresAt := now.Add(p.config.TokenLifetime)

	claims := localClaims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(p.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (p *LocalProvider) parseToken(accessToken string) (*localClaims, error) {
	claims := &localClaims{}
	_, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(p.config.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("token is missing subject or id")
	}
	return claims, nil
}

func decodeMetadata(raw []byte) map[string]string {
	meta := map[string]string{}
	if len(raw) == 0 {
		return meta
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return meta
	}
	for k, v := range decoded {
		if s, ok := v.(string); ok {
			meta[k] = s
		}
	}
	return meta
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// compile-time interface check
var _ Client = (*LocalProvider)(nil)
