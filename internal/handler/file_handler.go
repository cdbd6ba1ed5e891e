package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fileledger/internal/file"
	"github.com/hitoshi/fileledger/internal/middleware"
	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/notice"
)

// multipartOverhead はmultipartの境界やヘッダー分として上限に上乗せするバイト数。
const multipartOverhead = 1 << 20

// FileService はファイルハンドラーが必要とするサービスインターフェース。file.Serviceが実装する。
type FileService interface {
	Upload(ctx context.Context, owner model.Identity, in file.UploadInput) (*model.File, error)
	ListOwned(ctx context.Context, owner model.Identity) ([]*model.File, error)
	ListShared(ctx context.Context, user model.Identity) ([]*model.File, error)
	ListAll(ctx context.Context, actor model.Identity) ([]*model.File, error)
	Get(ctx context.Context, viewer model.Identity, id string) (*model.File, error)
	Download(ctx context.Context, viewer model.Identity, id string) (string, error)
	SetPermission(ctx context.Context, actor model.Identity, id string, in file.PermissionInput) (*model.File, error)
	Delete(ctx context.Context, actor model.Identity, id string) error
	AccessLogs(ctx context.Context, actor model.Identity, fileID string) ([]*model.AccessLog, error)
	AllAccessLogs(ctx context.Context, actor model.Identity, filter model.AccessLogFilter) ([]*model.AccessLog, error)
	MaxUploadSize() int64
}

// FileHandler はファイル関連のHTTPハンドラー。
type FileHandler struct {
	service FileService
	notices NoticeFlash
}

// NewFileHandler はFileHandlerを生成する。
func NewFileHandler(service FileService, notices NoticeFlash) *FileHandler {
	return &FileHandler{service: service, notices: notices}
}

// permissionRequest は公開範囲変更リクエストのボディ。
type permissionRequest struct {
	Permission string   `json:"permission"`
	SharedWith []string `json:"sharedWith"`
}

// downloadResponse はダウンロードURLのレスポンス。
type downloadResponse struct {
	URL string `json:"url"`
}

// ListOwned は自分のファイル一覧を返す。
// GET /api/files
func (h *FileHandler) ListOwned(w http.ResponseWriter, r *http.Request) {
	user, ok := currentIdentity(w, r)
	if !ok {
		return
	}
	files, err := h.service.ListOwned(r.Context(), user)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponses(files))
}

// ListShared は自分に共有されたファイル一覧を返す。
// GET /api/files/shared
func (h *FileHandler) ListShared(w http.ResponseWriter, r *http.Request) {
	user, ok := currentIdentity(w, r)
	if !ok {
		return
	}
	files, err := h.service.ListShared(r.Context(), user)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponses(files))
}

// Upload はmultipartの"file"パートをストリームで受け取り保存する。
// POST /api/files
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	user, ok := currentIdentity(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.service.MaxUploadSize()+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		h.fail(w, r, model.NewValidationError("multipart/form-data形式で送信してください。"))
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			h.fail(w, r, model.NewValidationError("ファイルが選択されていません。"))
			return
		}
		if err != nil {
			h.fail(w, r, uploadReadError(err, h.service.MaxUploadSize()))
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		f, err := h.service.Upload(r.Context(), user, file.UploadInput{
			Name:        part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        part,
		})
		part.Close()
		if err != nil {
			h.fail(w, r, uploadReadError(err, h.service.MaxUploadSize()))
			return
		}

		h.notices.Push(w, r, notice.Success(f.Name+" をアップロードしました。"))
		writeJSON(w, http.StatusCreated, toFileResponse(f))
		return
	}
}

// Get はファイルのメタデータを返す。閲覧として記録される。
// GET /api/files/{id}
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, ok := currentIdentity(w, r)
	if !ok {
		return
	}
	f, err := h.service.Get(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(f))
}

// Download は署名付きダウンロードURLを返す。
// GET /api/files/{id}/download
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	user, ok := currentIdentity(w, r)
	if !ok {
		return
	}
	url, err := h.service.Download(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{URL: url})
}

// SetPermission は公開範囲を変更する。
// PUT /api/files/{id}/permission
func (h *FileHandler) SetPermission(w http.ResponseWriter, r *http.Request) {
	user, ok := currentIdentity(w, r)
	if !ok {
		return
	}
	var req permissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	f, err := h.service.SetPermission(r.Context(), user, chi.URLParam(r, "id"), file.PermissionInput{
		Permission: model.Permission(req.Permission),
		SharedWith: req.SharedWith,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.notices.Push(w, r, notice.Success(f.Name+" の公開範囲を変更しました。"))
	writeJSON(w, http.StatusOK, toFileResponse(f))
}

// Delete はファイルを削除する。
// DELETE /api/files/{id}
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := currentIdentity(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}

	h.notices.Push(w, r, notice.Success("ファイルを削除しました。"))
	w.WriteHeader(http.StatusNoContent)
}

// AccessLogs はファイル単位のアクセス履歴を返す。
// GET /api/files/{id}/access-logs
func (h *FileHandler) AccessLogs(w http.ResponseWriter, r *http.Request) {
	user, ok := currentIdentity(w, r)
	if !ok {
		return
	}
	logs, err := h.service.AccessLogs(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccessLogResponses(logs))
}

// ListAll は全ファイルを返す（管理者のみ）。
// GET /api/admin/files
func (h *FileHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	user, ok := currentIdentity(w, r)
	if !ok {
		return
	}
	files, err := h.service.ListAll(r.Context(), user)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponses(files))
}

// AllAccessLogs は条件に一致するアクセスログを返す（管理者のみ）。
// GET /api/admin/access-logs?file=&user=&type=&since=&limit=
func (h *FileHandler) AllAccessLogs(w http.ResponseWriter, r *http.Request) {
	user, ok := currentIdentity(w, r)
	if !ok {
		return
	}
	filter, apiErr := parseAccessLogFilter(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	logs, err := h.service.AllAccessLogs(r.Context(), user, filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccessLogResponses(logs))
}

// fail は失敗の通知を積んでからエラーレスポンスを書き込む。
func (h *FileHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.notices.Push(w, r, notice.Error(apiMessage(err)))
	handleServiceError(w, err)
}

// uploadReadError はボディ上限超過をFILE_TOO_LARGEに変換する。
func uploadReadError(err error, limit int64) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return model.NewFileTooLargeError(limit)
	}
	return err
}

func parseAccessLogFilter(r *http.Request) (model.AccessLogFilter, *model.APIError) {
	q := r.URL.Query()
	filter := model.AccessLogFilter{
		FileID:     q.Get("file"),
		UserID:     q.Get("user"),
		AccessType: model.AccessType(q.Get("type")),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, model.NewValidationError("sinceはRFC3339形式で指定してください。")
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return filter, model.NewValidationError("limitは正の整数で指定してください。")
		}
		filter.Limit = limit
	}
	return filter, nil
}
