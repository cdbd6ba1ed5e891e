package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/fileledger/internal/model"
)

// fileColumns はfilesテーブルの取得列。scanFileと順序を一致させること。
const fileColumns = `f.id, f.name, f.owner_id, COALESCE(p.username, ''), f.size, f.content_type,
	f.hash, f.permission, f.shared_with, f.storage_path, f.created_at, f.updated_at`

const fileFrom = ` FROM files f LEFT JOIN profiles p ON p.user_id = f.owner_id`

// ErrDuplicateFile は同じ所有者が同じ内容のファイルを既に登録している場合にCreateが返す。
var ErrDuplicateFile = errors.New("file with the same content already exists")

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// PostgresFileRepo はPostgreSQLを使用したファイルリポジトリ。
type PostgresFileRepo struct {
	db *sql.DB
}

// NewPostgresFileRepo はPostgresFileRepoを生成する。
func NewPostgresFileRepo(db *sql.DB) *PostgresFileRepo {
	return &PostgresFileRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(s rowScanner) (*model.File, error) {
	f := &model.File{}
	var perm string
	var shared pq.StringArray
	err := s.Scan(&f.ID, &f.Name, &f.OwnerID, &f.OwnerName, &f.Size, &f.ContentType,
		&f.Hash, &perm, &shared, &f.StoragePath, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Permission = model.Permission(perm)
	f.SharedWith = []string(shared)
	return f, nil
}

// FindByID は指定IDのファイルを取得する。見つからない場合はnilを返す。
func (r *PostgresFileRepo) FindByID(ctx context.Context, id string) (*model.File, error) {
	f, err := scanFile(r.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+fileFrom+` WHERE f.id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ファイルの取得に失敗しました: %w", err)
	}
	return f, nil
}

// FindByOwnerAndHash は所有者と内容ハッシュでファイルを検索する。見つからない場合はnilを返す。
func (r *PostgresFileRepo) FindByOwnerAndHash(ctx context.Context, ownerID, hash string) (*model.File, error) {
	f, err := scanFile(r.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+fileFrom+` WHERE f.owner_id = $1 AND f.hash = $2`,
		ownerID, hash,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ハッシュによるファイルの検索に失敗しました: %w", err)
	}
	return f, nil
}

// Create はファイルメタデータを作成する。
func (r *PostgresFileRepo) Create(ctx context.Context, f *model.File) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO files (id, name, owner_id, size, content_type, hash, permission, shared_with, storage_path, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.Name, f.OwnerID, f.Size, f.ContentType, f.Hash, string(f.Permission),
		pq.Array(nonNilStrings(f.SharedWith)), f.StoragePath, f.CreatedAt, f.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateFile
	}
	if err != nil {
		return fmt.Errorf("ファイルの作成に失敗しました: %w", err)
	}
	return nil
}

// ListByOwner は所有者のファイルを新しい順に返す。
func (r *PostgresFileRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.File, error) {
	return r.list(ctx, `SELECT `+fileColumns+fileFrom+` WHERE f.owner_id = $1 ORDER BY f.created_at DESC`, ownerID)
}

// ListSharedWith は指定ユーザーに共有されたファイルを新しい順に返す。
// 公開範囲がsharedの場合のみ対象とする。
func (r *PostgresFileRepo) ListSharedWith(ctx context.Context, userID string) ([]*model.File, error) {
	return r.list(ctx,
		`SELECT `+fileColumns+fileFrom+`
		 WHERE f.permission = 'shared' AND $1 = ANY(f.shared_with)
		 ORDER BY f.created_at DESC`,
		userID,
	)
}

// ListAll は全ファイルを新しい順に返す。
func (r *PostgresFileRepo) ListAll(ctx context.Context) ([]*model.File, error) {
	return r.list(ctx, `SELECT `+fileColumns+fileFrom+` ORDER BY f.created_at DESC`)
}

func (r *PostgresFileRepo) list(ctx context.Context, query string, args ...interface{}) ([]*model.File, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ファイル一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	files := []*model.File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ファイル行の読み取りに失敗しました: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ファイル一覧の走査に失敗しました: %w", err)
	}
	return files, nil
}

// UpdatePermission は公開範囲と共有先を更新する。
func (r *PostgresFileRepo) UpdatePermission(ctx context.Context, id string, permission model.Permission, sharedWith []string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE files SET permission = $2, shared_with = $3, updated_at = now() WHERE id = $1`,
		id, string(permission), pq.Array(nonNilStrings(sharedWith)),
	)
	if err != nil {
		return fmt.Errorf("公開範囲の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("file not found: %s", id)
	}
	return nil
}

// DeleteByID はファイルメタデータを削除する。
func (r *PostgresFileRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ファイルの削除に失敗しました: %w", err)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// compile-time interface check
var _ FileRepository = (*PostgresFileRepo)(nil)
