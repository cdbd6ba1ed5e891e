// Package web はSPAのシェルHTMLと静的アセットを提供する。
package web

import (
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"

	. "maragu.dev/gomponents"
	. "maragu.dev/gomponents/html"

	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/notice"
)

//go:embed static
var staticFS embed.FS

// StaticFS は/static配下で配信するファイルシステムを返す。
func StaticFS() fs.FS {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

// BootData はシェルに埋め込み、クライアントが初期表示に使うデータ。
type BootData struct {
	Route   string          `json:"route"`
	User    *model.Identity `json:"user"`
	Notices []notice.Notice `json:"notices"`
	Next    string          `json:"next,omitempty"`
}

// navItem はナビゲーションの1項目。
type navItem struct {
	path  string
	label string
	admin bool
}

var navItems = []navItem{
	{"/dashboard", "ダッシュボード", false},
	{"/upload", "アップロード", false},
	{"/share", "共有ファイル", false},
	{"/history", "アクセス履歴", false},
	{"/settings", "設定", false},
	{"/admin/files", "ファイル管理", true},
	{"/admin/logs", "アクセスログ", true},
}

var titles = map[string]string{
	"/login":       "ログイン",
	"/register":    "新規登録",
	"/dashboard":   "ダッシュボード",
	"/upload":      "アップロード",
	"/share":       "共有ファイル",
	"/history":     "アクセス履歴",
	"/settings":    "設定",
	"/admin/files": "ファイル管理",
	"/admin/logs":  "アクセスログ",
}

// Shell はSPAのシェルページを返す。
// ナビゲーションはログイン中のユーザーのロールに応じてサーバー側で出し分ける。
func Shell(boot BootData) Node {
	title := "FileLedger"
	if t, ok := titles[boot.Route]; ok {
		title = t + " | FileLedger"
	}
	if boot.Notices == nil {
		boot.Notices = []notice.Notice{}
	}

	// json.MarshalはHTMLの特殊文字をエスケープするため、scriptタグ内にそのまま埋め込める
	data, err := json.Marshal(boot)
	if err != nil {
		data = []byte("{}")
	}

	return HTML(
		Lang("ja"),
		Head(
			Meta(Charset("utf-8")),
			Meta(Name("viewport"), Content("width=device-width, initial-scale=1")),
			TitleEl(Text(title)),
			Link(Rel("stylesheet"), Href("/static/app.css")),
		),
		Body(
			header(boot.User),
			Main(ID("app"), Class("container"),
				El("noscript", P(Text("このアプリケーションにはJavaScriptが必要です。"))),
			),
			Script(Type("application/json"), ID("boot-data"), Raw(string(data))),
			Script(Src("/static/app.js"), Attr("defer")),
		),
	)
}

func header(user *model.Identity) Node {
	if user == nil {
		return Header(Class("topbar"),
			A(Href("/login"), Class("brand"), Text("FileLedger")),
		)
	}

	links := []Node{}
	for _, item := range navItems {
		if item.admin && !user.IsAdmin() {
			continue
		}
		links = append(links, Li(A(Href(item.path), Text(item.label))))
	}

	account := []Node{Span(Class("user-name"), Text(user.DisplayName))}
	if user.IsAdmin() {
		account = append(account, Span(Class("badge"), Text("管理者")))
	}
	account = append(account, Button(Type("button"), ID("logout"), Class("btn-link"), Text("ログアウト")))

	return Header(Class("topbar"),
		A(Href("/dashboard"), Class("brand"), Text("FileLedger")),
		Nav(Ul(Group(links))),
		Div(Class("account"), Group(account)),
	)
}

// Render はノードをHTMLとして書き込む。
func Render(w http.ResponseWriter, status int, node Node) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = node.Render(w)
}
