package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// TestDisplayName は表示名の正規化を検証する。
func TestDisplayName(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキストはそのまま", "alice", "alice"},
		{"日本語もそのまま", "山田 太郎", "山田 太郎"},
		{"scriptタグは中身ごと除去される", "bob<script>alert(1)</script>", "bob"},
		{"装飾タグは除去され本文は残る", "<b>carol</b>", "carol"},
		{"エンティティは復元される", "Tom &amp; Jerry", "Tom & Jerry"},
		{"連続空白は1つにまとめる", "  a \t\n  b  ", "a b"},
		{"制御文字は除去される", "ab\x00c\x07", "abc"},
		{"空入力は空", "", ""},
		{"タグのみは空", "<img src=x onerror=alert(1)>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.DisplayName(tt.input); got != tt.want {
				t.Errorf("DisplayName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestDisplayName_Truncates は最大文字数で切り詰めることを検証する。
func TestDisplayName_Truncates(t *testing.T) {
	s := NewTextSanitizer()

	got := s.DisplayName(strings.Repeat("あ", 80))
	if n := utf8.RuneCountInString(got); n != MaxDisplayNameLength {
		t.Errorf("rune count = %d, want %d", n, MaxDisplayNameLength)
	}
}

// TestFileName はファイル名の正規化を検証する。
func TestFileName(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		input string
		want  string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\alice\doc.txt`, "doc.txt"},
		{"<i>x</i>.txt", "x.txt"},
		{"..", "file"},
		{"", "file"},
		{"財務報表.xlsx", "財務報表.xlsx"},
	}

	for _, tt := range tests {
		if got := s.FileName(tt.input); got != tt.want {
			t.Errorf("FileName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

// TestSanitize_Idempotent は同一入力に対して同一出力を返すことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	s := NewTextSanitizer()
	input := "<p>dave &lt;admin&gt;</p>"

	first := s.DisplayName(input)
	second := s.DisplayName(first)
	if first != second {
		t.Errorf("not idempotent: %q then %q", first, second)
	}
}
