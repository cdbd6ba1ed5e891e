package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/fileledger/internal/model"
)

const (
	defaultAccessLogLimit = 100
	maxAccessLogLimit     = 1000
)

const accessLogSelect = `SELECT l.id, l.file_id, l.user_id, l.access_type, l.details, l.created_at,
	COALESCE(f.name, ''), COALESCE(p.email, '')
	FROM access_logs l
	LEFT JOIN files f ON f.id = l.file_id
	LEFT JOIN profiles p ON p.user_id = l.user_id`

// PostgresAccessLogRepo はPostgreSQLを使用したアクセスログリポジトリ。
type PostgresAccessLogRepo struct {
	db *sql.DB
}

// NewPostgresAccessLogRepo はPostgresAccessLogRepoを生成する。
func NewPostgresAccessLogRepo(db *sql.DB) *PostgresAccessLogRepo {
	return &PostgresAccessLogRepo{db: db}
}

// Create はアクセスログを記録する。
func (r *PostgresAccessLogRepo) Create(ctx context.Context, l *model.AccessLog) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO access_logs (id, file_id, user_id, access_type, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.FileID, l.UserID, string(l.AccessType), l.Details, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("アクセスログの記録に失敗しました: %w", err)
	}
	return nil
}

// ListByFile はファイルのアクセスログを新しい順に返す。
func (r *PostgresAccessLogRepo) ListByFile(ctx context.Context, fileID string, limit int) ([]*model.AccessLog, error) {
	return r.Search(ctx, model.AccessLogFilter{FileID: fileID, Limit: limit})
}

// Search は条件に一致するアクセスログを新しい順に返す。
// Limitが0の場合は100件、上限は1000件。
func (r *PostgresAccessLogRepo) Search(ctx context.Context, filter model.AccessLogFilter) ([]*model.AccessLog, error) {
	query := accessLogSelect + ` WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if filter.FileID != "" {
		query += fmt.Sprintf(" AND l.file_id = $%d", argIndex)
		args = append(args, filter.FileID)
		argIndex++
	}
	if filter.UserID != "" {
		query += fmt.Sprintf(" AND l.user_id = $%d", argIndex)
		args = append(args, filter.UserID)
		argIndex++
	}
	if filter.AccessType != "" {
		query += fmt.Sprintf(" AND l.access_type = $%d", argIndex)
		args = append(args, string(filter.AccessType))
		argIndex++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND l.created_at >= $%d", argIndex)
		args = append(args, filter.Since)
		argIndex++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAccessLogLimit
	}
	if limit > maxAccessLogLimit {
		limit = maxAccessLogLimit
	}
	query += fmt.Sprintf(" ORDER BY l.created_at DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("アクセスログの検索に失敗しました: %w", err)
	}
	defer rows.Close()

	logs := []*model.AccessLog{}
	for rows.Next() {
		l := &model.AccessLog{}
		var accessType string
		if err := rows.Scan(&l.ID, &l.FileID, &l.UserID, &accessType, &l.Details, &l.CreatedAt,
			&l.FileName, &l.UserEmail); err != nil {
			return nil, fmt.Errorf("アクセスログ行の読み取りに失敗しました: %w", err)
		}
		l.AccessType = model.AccessType(accessType)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アクセスログの走査に失敗しました: %w", err)
	}
	return logs, nil
}

// compile-time interface check
var _ AccessLogRepository = (*PostgresAccessLogRepo)(nil)
