// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はユーザーが入力する表示名やファイル名からHTMLを除去し、
// 画面に埋め込まれても安全なプレーンテキストに正規化する。
// bluemondayのStrictPolicyで全タグを除去したうえで、制御文字の除去と
// 長さの制限を行う。
package security

import (
	"html"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// MaxDisplayNameLength は表示名の最大文字数（rune単位）。
	MaxDisplayNameLength = 50
	// MaxFileNameLength はファイル名の最大文字数（rune単位）。
	MaxFileNameLength = 255
)

// TextSanitizer はプレーンテキスト入力のサニタイズ機能を提供する。
// 内部のポリシーはスレッドセーフ。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// DisplayName は表示名を正規化する。
// タグと制御文字を除去し、連続する空白を1つにまとめ、最大50文字に切り詰める。
// 結果が空の場合は空文字列を返す。
func (s *TextSanitizer) DisplayName(raw string) string {
	return truncateRunes(s.plain(raw), MaxDisplayNameLength)
}

// FileName はアップロードされたファイル名を正規化する。
// ディレクトリ部分を除去し、タグと制御文字を取り除く。
// 結果が空または"."の場合は"file"を返す。
func (s *TextSanitizer) FileName(raw string) string {
	name := strings.ReplaceAll(raw, "\\", "/")
	name = path.Base(name)
	name = s.plain(name)
	name = strings.Trim(name, ". ")
	if name == "" || name == "/" {
		return "file"
	}
	return truncateRunes(name, MaxFileNameLength)
}

func (s *TextSanitizer) plain(raw string) string {
	if !utf8.ValidString(raw) {
		raw = strings.ToValidUTF8(raw, "")
	}
	stripped := html.UnescapeString(s.policy.Sanitize(raw))

	var b strings.Builder
	lastSpace := false
	for _, r := range stripped {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
			}
			lastSpace = true
		case unicode.IsControl(r):
			// 制御文字は捨てる
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}
