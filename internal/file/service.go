// Package file はファイルのアップロード・共有・アクセス履歴のドメインロジックを提供する。
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fileledger/internal/metrics"
	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/repository"
	"github.com/hitoshi/fileledger/internal/security"
)

const (
	// DefaultMaxUploadSize はアップロードサイズ上限の既定値（50MB）。
	DefaultMaxUploadSize int64 = 50 << 20
	// DefaultPresignExpiry は署名付きダウンロードURLの既定の有効期間。
	DefaultPresignExpiry = 15 * time.Minute
	// accessLogPageSize はファイル単位のアクセス履歴の取得件数。
	accessLogPageSize = 100
)

// ObjectStore はファイル本体の保存先。storage.S3Storeが実装する。
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Config はファイルサービスの設定。
type Config struct {
	MaxUploadSize int64
	PresignExpiry time.Duration
}

// UploadInput はアップロードされたファイル1件の入力。
type UploadInput struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// PermissionInput は公開範囲の変更内容。
type PermissionInput struct {
	Permission model.Permission
	SharedWith []string
}

// Service はファイル管理のサービス層。
type Service struct {
	files     repository.FileRepository
	logs      repository.AccessLogRepository
	objects   ObjectStore
	sanitizer *security.TextSanitizer
	config    Config
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	files repository.FileRepository,
	logs repository.AccessLogRepository,
	objects ObjectStore,
	config Config,
	logger *slog.Logger,
) *Service {
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = DefaultMaxUploadSize
	}
	if config.PresignExpiry <= 0 {
		config.PresignExpiry = DefaultPresignExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		files:     files,
		logs:      logs,
		objects:   objects,
		sanitizer: security.NewTextSanitizer(),
		config:    config,
		metrics:   metrics.Nop{},
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// SetMetrics はメトリクスコレクターを設定する。
func (s *Service) SetMetrics(m metrics.MetricsCollector) {
	s.metrics = m
}

// MaxUploadSize はアップロードサイズ上限を返す。ハンドラーのリクエストサイズ制限に使う。
func (s *Service) MaxUploadSize() int64 {
	return s.config.MaxUploadSize
}

// Upload はファイルをオブジェクトストレージに保存し、メタデータを登録する。
// 同じ所有者が同じ内容（SHA-256が一致）のファイルを既に持っている場合はDUPLICATE_FILEを返す。
// メタデータの登録に失敗した場合は保存済みのオブジェクトを削除する。
func (s *Service) Upload(ctx context.Context, owner model.Identity, in UploadInput) (*model.File, error) {
	body, err := io.ReadAll(io.LimitReader(in.Body, s.config.MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("アップロードデータの読み取りに失敗しました: %w", err)
	}
	if int64(len(body)) > s.config.MaxUploadSize {
		return nil, model.NewFileTooLargeError(s.config.MaxUploadSize)
	}
	if len(body) == 0 {
		return nil, model.NewValidationError("空のファイルはアップロードできません。")
	}

	hash := hashOf(body)

	existing, err := s.files.FindByOwnerAndHash(ctx, owner.ID, hash)
	if err != nil {
		return nil, fmt.Errorf("重複チェックに失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateFileError(existing.Name)
	}

	name := s.sanitizer.FileName(in.Name)
	contentType := in.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(body)
	}

	id := s.newID()
	key := owner.ID + "/" + id + "-" + name
	if err := s.objects.Put(ctx, key, body, contentType); err != nil {
		s.logger.Error("failed to store object",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, model.NewTransientBackendError("ファイルを保存できませんでした")
	}

	now := s.now()
	f := &model.File{
		ID:          id,
		Name:        name,
		OwnerID:     owner.ID,
		OwnerName:   owner.DisplayName,
		Size:        int64(len(body)),
		ContentType: contentType,
		Hash:        hash,
		Permission:  model.PermissionPrivate,
		StoragePath: key,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.files.Create(ctx, f); err != nil {
		s.removeObject(ctx, key, "failed to remove orphaned object")
		if errors.Is(err, repository.ErrDuplicateFile) {
			// 同時アップロードで先に登録された側がある
			existingName := name
			if existing, findErr := s.files.FindByOwnerAndHash(ctx, owner.ID, hash); findErr == nil && existing != nil {
				existingName = existing.Name
			}
			return nil, model.NewDuplicateFileError(existingName)
		}
		return nil, fmt.Errorf("ファイル情報の登録に失敗しました: %w", err)
	}

	s.metrics.RecordUpload(f.Size)
	s.logger.Info("file uploaded",
		slog.String("file_id", f.ID),
		slog.String("owner_id", owner.ID),
		slog.Int64("size", f.Size),
	)
	return f, nil
}

// ListOwned は所有するファイルの一覧を返す。
func (s *Service) ListOwned(ctx context.Context, owner model.Identity) ([]*model.File, error) {
	files, err := s.files.ListByOwner(ctx, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("ファイル一覧の取得に失敗しました: %w", err)
	}
	return files, nil
}

// ListShared は自分に共有されたファイルの一覧を返す。
func (s *Service) ListShared(ctx context.Context, user model.Identity) ([]*model.File, error) {
	files, err := s.files.ListSharedWith(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("共有ファイル一覧の取得に失敗しました: %w", err)
	}
	return files, nil
}

// ListAll は全ユーザーのファイルを返す。管理者のみ。
func (s *Service) ListAll(ctx context.Context, actor model.Identity) ([]*model.File, error) {
	if !actor.IsAdmin() {
		return nil, model.NewAuthorizationError()
	}
	files, err := s.files.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("全ファイル一覧の取得に失敗しました: %w", err)
	}
	return files, nil
}

// Get はファイルのメタデータを返し、閲覧履歴を記録する。
func (s *Service) Get(ctx context.Context, viewer model.Identity, id string) (*model.File, error) {
	f, err := s.visible(ctx, viewer, id)
	if err != nil {
		return nil, err
	}
	s.recordAccess(ctx, f.ID, viewer.ID, model.AccessView, "")
	return f, nil
}

// Download は署名付きダウンロードURLを発行し、ダウンロード履歴を記録する。
func (s *Service) Download(ctx context.Context, viewer model.Identity, id string) (string, error) {
	f, err := s.visible(ctx, viewer, id)
	if err != nil {
		return "", err
	}

	u, err := s.objects.PresignGet(ctx, f.StoragePath, s.config.PresignExpiry)
	if err != nil {
		s.logger.Error("failed to presign download",
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
		return "", model.NewTransientBackendError("ダウンロードURLを発行できませんでした")
	}

	s.recordAccess(ctx, f.ID, viewer.ID, model.AccessDownload, "")
	return u, nil
}

// SetPermission は公開範囲を変更する。所有者または管理者のみ。
// sharedの場合は共有先を1人以上指定する必要がある。
func (s *Service) SetPermission(ctx context.Context, actor model.Identity, id string, in PermissionInput) (*model.File, error) {
	if !in.Permission.Valid() {
		return nil, model.NewValidationError("公開範囲はpublic、private、sharedのいずれかを指定してください。")
	}

	f, err := s.manageable(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	var sharedWith []string
	if in.Permission == model.PermissionShared {
		sharedWith = normalizeUsers(in.SharedWith, f.OwnerID)
		if len(sharedWith) == 0 {
			return nil, model.NewValidationError("共有先のユーザーを1人以上指定してください。")
		}
	}

	if err := s.files.UpdatePermission(ctx, f.ID, in.Permission, sharedWith); err != nil {
		return nil, fmt.Errorf("公開範囲の更新に失敗しました: %w", err)
	}

	details := "permission=" + string(in.Permission)
	if len(sharedWith) > 0 {
		details += " users=" + strings.Join(sharedWith, ",")
	}
	s.recordAccess(ctx, f.ID, actor.ID, model.AccessShare, details)

	updated := *f
	updated.Permission = in.Permission
	updated.SharedWith = sharedWith
	updated.UpdatedAt = s.now()
	return &updated, nil
}

// Delete はメタデータとファイル本体を削除する。所有者または管理者のみ。
// メタデータを先に削除し、本体の削除失敗は記録のみ行う。
func (s *Service) Delete(ctx context.Context, actor model.Identity, id string) error {
	f, err := s.manageable(ctx, actor, id)
	if err != nil {
		return err
	}

	if err := s.files.DeleteByID(ctx, f.ID); err != nil {
		return fmt.Errorf("ファイル情報の削除に失敗しました: %w", err)
	}
	s.removeObject(ctx, f.StoragePath, "failed to delete object")

	s.logger.Info("file deleted",
		slog.String("file_id", f.ID),
		slog.String("actor_id", actor.ID),
	)
	return nil
}

// AccessLogs はファイルのアクセス履歴を返す。所有者または管理者のみ。
func (s *Service) AccessLogs(ctx context.Context, actor model.Identity, fileID string) ([]*model.AccessLog, error) {
	f, err := s.manageable(ctx, actor, fileID)
	if err != nil {
		return nil, err
	}
	logs, err := s.logs.ListByFile(ctx, f.ID, accessLogPageSize)
	if err != nil {
		return nil, fmt.Errorf("アクセス履歴の取得に失敗しました: %w", err)
	}
	return logs, nil
}

// AllAccessLogs は条件に一致する全ユーザーのアクセス履歴を返す。管理者のみ。
func (s *Service) AllAccessLogs(ctx context.Context, actor model.Identity, filter model.AccessLogFilter) ([]*model.AccessLog, error) {
	if !actor.IsAdmin() {
		return nil, model.NewAuthorizationError()
	}
	if filter.AccessType != "" && !filter.AccessType.Valid() {
		return nil, model.NewValidationError("アクセス種別はview、download、shareのいずれかを指定してください。")
	}
	if filter.FileID != "" {
		fileID, err := uuid.Parse(filter.FileID)
		if err != nil {
			return nil, model.NewValidationError("ファイルIDの形式が正しくありません。")
		}
		filter.FileID = fileID.String()
	}
	logs, err := s.logs.Search(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("アクセス履歴の検索に失敗しました: %w", err)
	}
	return logs, nil
}

// find はファイルを取得する。UUIDとして解釈できないIDは存在しないものとして扱う。
func (s *Service) find(ctx context.Context, id string) (*model.File, error) {
	fileID, err := uuid.Parse(id)
	if err != nil {
		return nil, model.NewFileNotFoundError(id)
	}
	f, err := s.files.FindByID(ctx, fileID.String())
	if err != nil {
		return nil, fmt.Errorf("ファイルの取得に失敗しました: %w", err)
	}
	if f == nil {
		return nil, model.NewFileNotFoundError(id)
	}
	return f, nil
}

// removeObject はオブジェクトを削除し、失敗は警告ログに留める。
func (s *Service) removeObject(ctx context.Context, key, msg string) {
	if err := s.objects.Delete(ctx, key); err != nil {
		s.logger.Warn(msg,
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) visible(ctx context.Context, viewer model.Identity, id string) (*model.File, error) {
	f, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !f.VisibleTo(viewer) {
		return nil, model.NewFileAccessDeniedError()
	}
	return f, nil
}

func (s *Service) manageable(ctx context.Context, actor model.Identity, id string) (*model.File, error) {
	f, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !f.ManageableBy(actor) {
		return nil, model.NewFileAccessDeniedError()
	}
	return f, nil
}

// recordAccess はアクセス履歴を記録する。失敗しても操作自体は成功として扱う。
func (s *Service) recordAccess(ctx context.Context, fileID, userID string, t model.AccessType, details string) {
	err := s.logs.Create(ctx, &model.AccessLog{
		ID:         s.newID(),
		FileID:     fileID,
		UserID:     userID,
		AccessType: t,
		Details:    details,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.logger.Warn("failed to record access log",
			slog.String("file_id", fileID),
			slog.String("access_type", string(t)),
			slog.String("error", err.Error()),
		)
	}
}

// normalizeUsers は共有先から空白・重複・所有者自身を除く。
func normalizeUsers(users []string, ownerID string) []string {
	seen := make(map[string]bool, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		u = strings.TrimSpace(u)
		if u == "" || u == ownerID || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// hashOf は内容のSHA-256を16進文字列で返す。
func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
