package handler

import (
	"net/http"

	"github.com/hitoshi/fileledger/internal/guard"
	"github.com/hitoshi/fileledger/internal/middleware"
	"github.com/hitoshi/fileledger/internal/web"
)

// PageHandler はSPAのシェルHTMLを返す。画面ごとの表示はクライアント側で行う。
type PageHandler struct {
	notices NoticeFlash
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(notices NoticeFlash) *PageHandler {
	return &PageHandler{notices: notices}
}

// Public はログイン・登録画面を返す。ログイン済みの場合は遷移先へリダイレクトする。
func (h *PageHandler) Public(w http.ResponseWriter, r *http.Request) {
	next := r.URL.Query().Get("next")
	if s := middleware.SessionFromContext(r.Context()); s != nil {
		http.Redirect(w, r, guard.SanitizeNext(next), http.StatusFound)
		return
	}

	boot := web.BootData{
		Route:   r.URL.Path,
		Notices: h.notices.Pop(w, r),
	}
	if next != "" {
		boot.Next = guard.SanitizeNext(next)
	}
	web.Render(w, http.StatusOK, web.Shell(boot))
}

// App はガード通過後の画面を返す。
func (h *PageHandler) App(w http.ResponseWriter, r *http.Request) {
	boot := web.BootData{
		Route:   r.URL.Path,
		Notices: h.notices.Pop(w, r),
	}
	if s := middleware.SessionFromContext(r.Context()); s != nil {
		id := s.Identity
		boot.User = &id
	}
	web.Render(w, http.StatusOK, web.Shell(boot))
}

// Root はランディング画面へリダイレクトする。
func (h *PageHandler) Root(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, guard.LandingPath, http.StatusFound)
}
