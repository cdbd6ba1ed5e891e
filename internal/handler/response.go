// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/fileledger/internal/middleware"
	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/session"
)

// maxJSONBodySize はJSONリクエストボディの上限。
const maxJSONBodySize = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvにデコードする。失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodySize)).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("リクエストボディが不正です。"))
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeCredential, model.ErrCodeNotAuthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeAuthorization, model.ErrCodeFileAccessDenied:
		return http.StatusForbidden
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeDuplicateIdentity, model.ErrCodeDuplicateFile:
		return http.StatusConflict
	case model.ErrCodeFileNotFound:
		return http.StatusNotFound
	case model.ErrCodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.ErrCodeTransientBackend:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// apiMessage はエラーから通知用のメッセージを取り出す。
func apiMessage(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return "内部エラーが発生しました。"
}

// storeFromRequest はブラウジングコンテキストのStoreを取得する。
// ミドルウェアの構成ミスで存在しない場合は500を書き込む。
func storeFromRequest(w http.ResponseWriter, r *http.Request) (*session.Store, bool) {
	st, ok := middleware.StoreFromContext(r.Context())
	if !ok {
		slog.Error("session store missing from request context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	return st, true
}

// currentIdentity はログイン中のユーザーを返す。
// ルートガードの内側で呼ぶため、通常は必ず存在する。
func currentIdentity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	s := middleware.SessionFromContext(r.Context())
	if s == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return model.Identity{}, false
	}
	return s.Identity, true
}

// sessionResponse はセッション情報のAPIレスポンス。
type sessionResponse struct {
	User      model.Identity `json:"user"`
	ExpiresAt int64          `json:"expiresAt"`
	Redirect  string         `json:"redirect,omitempty"`
}

func toSessionResponse(s *model.Session) sessionResponse {
	return sessionResponse{User: s.Identity, ExpiresAt: s.ExpiresAt.UnixMilli()}
}

// fileResponse はファイル情報のAPIレスポンス。
type fileResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OwnerID     string    `json:"ownerId"`
	OwnerName   string    `json:"ownerName,omitempty"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	Hash        string    `json:"hash"`
	Permission  string    `json:"permission"`
	SharedWith  []string  `json:"sharedWith"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toFileResponse(f *model.File) fileResponse {
	shared := f.SharedWith
	if shared == nil {
		shared = []string{}
	}
	return fileResponse{
		ID:          f.ID,
		Name:        f.Name,
		OwnerID:     f.OwnerID,
		OwnerName:   f.OwnerName,
		Size:        f.Size,
		ContentType: f.ContentType,
		Hash:        f.Hash,
		Permission:  string(f.Permission),
		SharedWith:  shared,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

func toFileResponses(files []*model.File) []fileResponse {
	out := make([]fileResponse, len(files))
	for i, f := range files {
		out[i] = toFileResponse(f)
	}
	return out
}

// accessLogResponse はアクセス履歴のAPIレスポンス。
type accessLogResponse struct {
	ID         string    `json:"id"`
	FileID     string    `json:"fileId"`
	UserID     string    `json:"userId"`
	AccessType string    `json:"accessType"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	FileName   string    `json:"fileName,omitempty"`
	UserEmail  string    `json:"userEmail,omitempty"`
}

func toAccessLogResponses(logs []*model.AccessLog) []accessLogResponse {
	out := make([]accessLogResponse, len(logs))
	for i, l := range logs {
		out[i] = accessLogResponse{
			ID:         l.ID,
			FileID:     l.FileID,
			UserID:     l.UserID,
			AccessType: string(l.AccessType),
			Details:    l.Details,
			CreatedAt:  l.CreatedAt,
			FileName:   l.FileName,
			UserEmail:  l.UserEmail,
		}
	}
	return out
}
