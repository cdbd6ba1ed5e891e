package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/fileledger/internal/auth"
	"github.com/hitoshi/fileledger/internal/guard"
	"github.com/hitoshi/fileledger/internal/middleware"
	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/notice"
	"github.com/hitoshi/fileledger/internal/session"
)

// AuthGateway は認証ハンドラーが必要とするサービスインターフェース。auth.Gatewayが実装する。
type AuthGateway interface {
	Login(ctx context.Context, st *session.Store, cred auth.Credentials) (*model.Session, error)
	Register(ctx context.Context, st *session.Store, data auth.RegisterData) (*model.Identity, error)
	Logout(ctx context.Context, st *session.Store) error
	UpdateProfile(ctx context.Context, st *session.Store, patch auth.ProfilePatch) (*model.Identity, error)
	Validate(ctx context.Context, st *session.Store) *model.Session
}

// NoticeFlash は次の画面表示で1度だけ出す通知を受け渡す。notice.Flashが実装する。
type NoticeFlash interface {
	Push(w http.ResponseWriter, r *http.Request, n notice.Notice)
	Pop(w http.ResponseWriter, r *http.Request) []notice.Notice
}

// AuthHandler はログイン・登録・ログアウト・プロフィール更新のHTTPハンドラー。
type AuthHandler struct {
	gateway AuthGateway
	notices NoticeFlash
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(gateway AuthGateway, notices NoticeFlash) *AuthHandler {
	return &AuthHandler{gateway: gateway, notices: notices}
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Admin    bool   `json:"admin"`
	Next     string `json:"next"`
}

// registerRequest は新規登録リクエストのボディ。
type registerRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	GenerateKeyPair bool   `json:"generateKeyPair"`
}

// profileRequest はプロフィール更新リクエストのボディ。省略した項目は変更しない。
type profileRequest struct {
	Username *string `json:"username"`
}

// Login はメールアドレスとパスワードでログインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	st, ok := storeFromRequest(w, r)
	if !ok {
		return
	}

	s, err := h.gateway.Login(r.Context(), st, auth.Credentials{
		Email:         req.Email,
		Password:      req.Password,
		WantsElevated: req.Admin,
	})
	if err != nil {
		h.notices.Push(w, r, notice.Error(apiMessage(err)))
		handleServiceError(w, err)
		return
	}

	h.notices.Push(w, r, notice.Success("ログインしました。"))
	resp := toSessionResponse(s)
	resp.Redirect = guard.SanitizeNext(req.Next)
	writeJSON(w, http.StatusOK, resp)
}

// Register は新規アカウントを登録する。登録後はログインしない。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	st, ok := storeFromRequest(w, r)
	if !ok {
		return
	}

	identity, err := h.gateway.Register(r.Context(), st, auth.RegisterData{
		DisplayName:     req.Username,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		GenerateKeyPair: req.GenerateKeyPair,
	})
	if err != nil {
		h.notices.Push(w, r, notice.Error(apiMessage(err)))
		handleServiceError(w, err)
		return
	}

	h.notices.Push(w, r, notice.Success("登録が完了しました。ログインしてください。"))
	writeJSON(w, http.StatusCreated, map[string]interface{}{"user": identity})
}

// Logout はセッションを破棄する。プロバイダーへのサインアウトが失敗してもセッションはクリアする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	st, ok := storeFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.gateway.Logout(r.Context(), st); err != nil {
		// メモリ上のセッションはクリア済み。永続化の失敗のみ記録する
		slog.Error("failed to clear persisted session", slog.String("error", err.Error()))
	}

	h.notices.Push(w, r, notice.Success("ログアウトしました。"))
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のセッション情報を返す。期限切れの場合はここでクリアされる。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	st, ok := storeFromRequest(w, r)
	if !ok {
		return
	}

	s := h.gateway.Validate(r.Context(), st)
	if s == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

// UpdateProfile は表示名を更新する。
// PATCH /api/profile
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	st, ok := storeFromRequest(w, r)
	if !ok {
		return
	}

	identity, err := h.gateway.UpdateProfile(r.Context(), st, auth.ProfilePatch{DisplayName: req.Username})
	if err != nil {
		h.notices.Push(w, r, notice.Error(apiMessage(err)))
		handleServiceError(w, err)
		return
	}

	h.notices.Push(w, r, notice.Success("プロフィールを更新しました。"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": identity})
}

// Notices は保留中の通知を取り出して返す。取り出した通知は削除される。
// GET /api/notices
func (h *AuthHandler) Notices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.notices.Pop(w, r))
}
