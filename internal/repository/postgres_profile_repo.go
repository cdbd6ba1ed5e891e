package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fileledger/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByUserID はプロバイダーのユーザーIDでプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	p := &model.Profile{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, username, is_admin, created_at, updated_at FROM profiles WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.Username, &p.IsAdmin, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by user ID: %w", err)
	}

	return p, nil
}

// Create はプロフィールを作成する。既に存在する場合は何もしない。
func (r *PostgresProfileRepo) Create(ctx context.Context, profile *model.Profile, email string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, username, email, is_admin, created_at, updated_at)
		 VALUES ($1, $2, $3, false, $4, $4)
		 ON CONFLICT (user_id) DO NOTHING`,
		profile.UserID, profile.Username, email, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

// UpdateUsername は表示名を更新する。
// プロフィール行が存在しない場合はエラーにせず0件更新として扱う。
func (r *PostgresProfileRepo) UpdateUsername(ctx context.Context, userID, username string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET username = $2, updated_at = now() WHERE user_id = $1`,
		userID, username,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile username: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
