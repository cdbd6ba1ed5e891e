// Package cleanup は保持期間を過ぎたデータの定期削除ジョブを提供する。
// アクセスログは保持日数（デフォルト90日）を超えたものを削除し、
// 失効済みトークンの記録は元のトークンの有効期限が過ぎたものを削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays はアクセスログの既定の保持日数。
const DefaultRetentionDays = 90

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を超過したデータの削除ジョブ。
// どのタスクも冪等で、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // アクセスログの保持日数
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: DefaultRetentionDays,
	}
}

// Run はアクセスログと失効済みトークンの削除を順に実行する。
// アクセスログの削除に失敗してもトークンの削除は試みる。
func (j *CleanupJob) Run(ctx context.Context) error {
	logErr := j.purgeAccessLogs(ctx)
	tokenErr := j.purgeRevokedTokens(ctx)
	if logErr != nil {
		return logErr
	}
	return tokenErr
}

// purgeAccessLogs はcreated_atがRetentionDays日前より古いアクセスログを削除する。
func (j *CleanupJob) purgeAccessLogs(ctx context.Context) error {
	interval := fmt.Sprintf("%d days", j.RetentionDays)
	return j.exec(ctx, "access_logs",
		`DELETE FROM access_logs WHERE created_at < now() - $1::interval`,
		slog.Int("retention_days", j.RetentionDays),
		interval,
	)
}

// purgeRevokedTokens は有効期限切れのトークン失効記録を削除する。
// 期限切れのトークンは署名検証で拒否されるため、記録を残す必要はない。
func (j *CleanupJob) purgeRevokedTokens(ctx context.Context) error {
	return j.exec(ctx, "revoked_tokens",
		`DELETE FROM revoked_tokens WHERE expires_at < now()`,
		slog.Attr{},
	)
}

func (j *CleanupJob) exec(ctx context.Context, table, query string, attr slog.Attr, args ...interface{}) error {
	start := time.Now()

	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%sのクリーンアップに失敗: %w", table, err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	attrs := []any{
		slog.String("table", table),
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	}
	if attr.Key != "" {
		attrs = append(attrs, attr)
	}
	j.logger.Info("クリーンアップジョブが完了しました", attrs...)
	return nil
}
