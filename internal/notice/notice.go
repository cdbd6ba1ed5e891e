// Package notice はユーザーに一度だけ表示する通知（フラッシュメッセージ）を提供する。
//
// 通知はHMAC署名付きのCookieに積まれ、クライアントが/api/noticesで取り出した時点で消える。
// リダイレクトをまたいでも表示できるよう、サーバー側の状態は持たない。
package notice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

// CookieName はフラッシュ通知を保持するCookie名。
const CookieName = "flash_notice"

// maxPending はCookieに保持する通知の最大件数。超えた場合は古いものから捨てる。
const maxPending = 5

// Kind は通知の種類。
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindWarning Kind = "warning"
	KindInfo    Kind = "info"
)

// Notice は1件の通知。
type Notice struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Success は成功通知を生成する。
func Success(msg string) Notice { return Notice{Kind: KindSuccess, Message: msg} }

// Error はエラー通知を生成する。
func Error(msg string) Notice { return Notice{Kind: KindError, Message: msg} }

// LoginRequired は未ログインでページを開いた場合の通知。
func LoginRequired() Notice {
	return Notice{Kind: KindInfo, Message: "このページを表示するにはログインしてください。"}
}

// AccessDenied は権限のないページを開いた場合の通知。
func AccessDenied() Notice {
	return Notice{Kind: KindError, Message: "アクセスが拒否されました。管理者権限が必要です。"}
}

// Flash は署名付きCookieで通知を受け渡す。
type Flash struct {
	secret []byte
	secure bool
	domain string
}

// NewFlash はFlashを生成する。secretはCookieの署名に使う。
func NewFlash(secret string, secure bool, domain string) *Flash {
	return &Flash{secret: []byte(secret), secure: secure, domain: domain}
}

// Push は通知を追加する。同一レスポンス内で複数回呼び出した場合も全件が保持される。
func (f *Flash) Push(w http.ResponseWriter, r *http.Request, n Notice) {
	pending := append(f.pending(w, r), n)
	if len(pending) > maxPending {
		pending = pending[len(pending)-maxPending:]
	}

	value, err := f.encode(pending)
	if err != nil {
		return
	}

	dropSetCookie(w, CookieName)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Domain:   f.domain,
		HttpOnly: true,
		Secure:   f.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Pop は保留中の通知をすべて返し、Cookieを削除する。
// 署名が一致しないCookieは無視する。
func (f *Flash) Pop(w http.ResponseWriter, r *http.Request) []Notice {
	notices := f.pending(w, r)

	dropSetCookie(w, CookieName)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   f.domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   f.secure,
		SameSite: http.SameSiteLaxMode,
	})

	if notices == nil {
		return []Notice{}
	}
	return notices
}

// pending はこのレスポンスで既に設定した通知、なければリクエストのCookieの通知を返す。
func (f *Flash) pending(w http.ResponseWriter, r *http.Request) []Notice {
	for _, line := range w.Header().Values("Set-Cookie") {
		c, err := http.ParseSetCookie(line)
		if err == nil && c.Name == CookieName {
			return f.decode(c.Value)
		}
	}

	c, err := r.Cookie(CookieName)
	if err != nil {
		return nil
	}
	return f.decode(c.Value)
}

func (f *Flash) encode(notices []Notice) (string, error) {
	b, err := json.Marshal(notices)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(b)
	return payload + "." + f.sign(payload), nil
}

func (f *Flash) decode(value string) []Notice {
	payload, sig, ok := strings.Cut(value, ".")
	if !ok || !hmac.Equal([]byte(sig), []byte(f.sign(payload))) {
		return nil
	}
	b, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil
	}
	var notices []Notice
	if err := json.Unmarshal(b, &notices); err != nil {
		return nil
	}
	return notices
}

func (f *Flash) sign(payload string) string {
	mac := hmac.New(sha256.New, f.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// dropSetCookie はレスポンスヘッダーから指定名のSet-Cookieを取り除く。
func dropSetCookie(w http.ResponseWriter, name string) {
	lines := w.Header().Values("Set-Cookie")
	if len(lines) == 0 {
		return
	}
	kept := lines[:0:0]
	for _, line := range lines {
		if c, err := http.ParseSetCookie(line); err == nil && c.Name == name {
			continue
		}
		kept = append(kept, line)
	}
	w.Header().Del("Set-Cookie")
	for _, line := range kept {
		w.Header().Add("Set-Cookie", line)
	}
}
