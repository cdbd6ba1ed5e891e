// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, file, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeCredential        = "CREDENTIAL_ERROR"
	ErrCodeAuthorization     = "AUTHORIZATION_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDuplicateIdentity = "DUPLICATE_IDENTITY"
	ErrCodeNotAuthenticated  = "NOT_AUTHENTICATED"
	ErrCodeTransientBackend  = "TRANSIENT_BACKEND"
	ErrCodeFileNotFound      = "FILE_NOT_FOUND"
	ErrCodeDuplicateFile     = "DUPLICATE_FILE"
	ErrCodeFileAccessDenied  = "FILE_ACCESS_DENIED"
	ErrCodeFileTooLarge      = "FILE_TOO_LARGE"
)

// NewCredentialError は認証情報が拒否された場合のエラーを生成する。
// 原因（メール未登録かパスワード誤りか）は区別しない。
func NewCredentialError() *APIError {
	return &APIError{
		Code:     ErrCodeCredential,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewAuthorizationError は管理者権限が必要な操作を一般ユーザーが行った場合のエラーを生成する。
func NewAuthorizationError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthorization,
		Message:  "アクセスが拒否されました。管理者権限が必要です。",
		Category: "auth",
		Action:   "管理者アカウントでログインしてください。",
	}
}

// NewValidationError は入力値の検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  reason,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewDuplicateIdentityError は登録済みのメールアドレスで登録しようとした場合のエラーを生成する。
func NewDuplicateIdentityError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateIdentity,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログイン画面からログインしてください。",
	}
}

// NewNotAuthenticatedError は有効なセッションがない場合のエラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewTransientBackendError は外部サービスとの通信失敗を表すエラーを生成する。
// 再試行可能。
func NewTransientBackendError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeTransientBackend,
		Message:  fmt.Sprintf("サービスとの通信に失敗しました: %s", reason),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewFileNotFoundError はファイル未検出エラーを生成する。
func NewFileNotFoundError(fileID string) *APIError {
	return &APIError{
		Code:     ErrCodeFileNotFound,
		Message:  fmt.Sprintf("指定されたファイルが見つかりません: %s", fileID),
		Category: "file",
		Action:   "ファイル一覧を再読み込みしてください。",
	}
}

// NewDuplicateFileError は同一内容のファイルを既にアップロード済みの場合のエラーを生成する。
func NewDuplicateFileError(existingName string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateFile,
		Message:  fmt.Sprintf("同じ内容のファイルが既に存在します: %s", existingName),
		Category: "file",
		Action:   "既存のファイルを利用してください。",
	}
}

// NewFileAccessDeniedError はファイルへのアクセス権がない場合のエラーを生成する。
func NewFileAccessDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodeFileAccessDenied,
		Message:  "このファイルへのアクセス権がありません。",
		Category: "file",
		Action:   "ファイルの所有者に共有を依頼してください。",
	}
}

// NewFileTooLargeError はアップロードサイズ上限を超えた場合のエラーを生成する。
func NewFileTooLargeError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodeFileTooLarge,
		Message:  fmt.Sprintf("ファイルサイズが上限（%dバイト）を超えています。", limit),
		Category: "file",
		Action:   "より小さいファイルを選択してください。",
	}
}
