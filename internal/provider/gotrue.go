package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GoTrueConfig はGoTrue互換認証APIの設定。
type GoTrueConfig struct {
	BaseURL    string // 例: https://xyz.supabase.co
	APIKey     string // anonキー
	HTTPClient *http.Client
}

// GoTrueClient はホスト型BaaSのGoTrue互換REST APIを呼び出すClient実装。
type GoTrueClient struct {
	config GoTrueConfig
}

// NewGoTrueClient はGoTrueClientを生成する。
func NewGoTrueClient(config GoTrueConfig) *GoTrueClient {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &GoTrueClient{config: config}
}

// gotrueUser はGoTrueのユーザー表現。
type gotrueUser struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	UserMetadata map[string]interface{} `json:"user_metadata"`
}

// gotrueTokenResponse はトークンエンドポイントのレスポンス。
type gotrueTokenResponse struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	ExpiresIn   int64      `json:"expires_in"`
	ExpiresAt   int64      `json:"expires_at"`
	User        gotrueUser `json:"user"`
}

// gotrueError はエラーレスポンス。バージョンによってフィールド名が異なる。
type gotrueError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e gotrueError) text() string {
	for _, s := range []string{e.ErrorDescription, e.Msg, e.Message, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// SignInWithPassword はパスワードグラントでアクセストークンを取得する。
func (c *GoTrueClient) SignInWithPassword(ctx context.Context, email, password string) (*Grant, error) {
	body := map[string]string{"email": email, "password": password}

	status, respBody, err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", body)
	if err != nil {
		return nil, err
	}

	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return nil, ErrInvalidCredentials
	}
	if status != http.StatusOK {
		return nil, unexpectedStatus("token", status, respBody)
	}

	var tokenResp gotrueTokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	grant := &Grant{
		AccessToken: tokenResp.AccessToken,
		User:        toUser(tokenResp.User),
	}
	switch {
	case tokenResp.ExpiresAt > 0:
		grant.ExpiresAt = time.Unix(tokenResp.ExpiresAt, 0)
	case tokenResp.ExpiresIn > 0:
		grant.ExpiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return grant, nil
}

// SignUp はユーザーを新規登録する。メタデータはuser_metadataとして保存される。
func (c *GoTrueClient) SignUp(ctx context.Context, in SignUpInput) (*User, error) {
	body := map[string]interface{}{
		"email":    in.Email,
		"password": in.Password,
		"data":     in.Metadata,
	}

	status, respBody, err := c.do(ctx, http.MethodPost, "/auth/v1/signup", "", body)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnprocessableEntity || status == http.StatusBadRequest {
		var gErr gotrueError
		_ = json.Unmarshal(respBody, &gErr)
		if gErr.ErrorCode == "user_already_exists" || strings.Contains(strings.ToLower(gErr.text()), "already registered") {
			return nil, ErrUserExists
		}
		return nil, unexpectedStatus("signup", status, respBody)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, unexpectedStatus("signup", status, respBody)
	}

	// メール確認が有効な場合はユーザーのみ、無効な場合はセッション付きで返る
	var wrapped struct {
		User *gotrueUser `json:"user"`
		gotrueUser
	}
	if err := json.Unmarshal(respBody, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse signup response: %w", err)
	}
	u := wrapped.gotrueUser
	if wrapped.User != nil {
		u = *wrapped.User
	}
	if u.ID == "" {
		return nil, fmt.Errorf("empty user id in signup response")
	}

	user := toUser(u)
	return &user, nil
}

// SignOut はアクセストークンを失効させる。
func (c *GoTrueClient) SignOut(ctx context.Context, accessToken string) error {
	status, respBody, err := c.do(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil)
	if err != nil {
		return err
	}
	// 既に失効済みのトークンは成功として扱う
	if status == http.StatusNoContent || status == http.StatusOK || status == http.StatusUnauthorized {
		return nil
	}
	return unexpectedStatus("logout", status, respBody)
}

// GetUser はアクセストークンを検証してユーザー情報を返す。
func (c *GoTrueClient) GetUser(ctx context.Context, accessToken string) (*User, error) {
	return c.userRequest(ctx, http.MethodGet, accessToken, nil)
}

// UpdateUser はuser_metadataを更新する。
func (c *GoTrueClient) UpdateUser(ctx context.Context, accessToken string, metadata map[string]string) (*User, error) {
	return c.userRequest(ctx, http.MethodPut, accessToken, map[string]interface{}{"data": metadata})
}

func (c *GoTrueClient) userRequest(ctx context.Context, method, accessToken string, body interface{}) (*User, error) {
	status, respBody, err := c.do(ctx, method, "/auth/v1/user", accessToken, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, ErrInvalidToken
	}
	if status != http.StatusOK {
		return nil, unexpectedStatus("user", status, respBody)
	}

	var u gotrueUser
	if err := json.Unmarshal(respBody, &u); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("empty user id in user response")
	}
	user := toUser(u)
	return &user, nil
}

// do はリクエストを送信し、ステータスコードとボディを返す。
func (c *GoTrueClient) do(ctx context.Context, method, path, accessToken string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.config.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s request failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func unexpectedStatus(op string, status int, body []byte) error {
	return fmt.Errorf("%s failed with status %d: %s", op, status, string(body))
}

func toUser(u gotrueUser) User {
	meta := make(map[string]string, len(u.UserMetadata))
	for k, v := range u.UserMetadata {
		if s, ok := v.(string); ok {
			meta[k] = s
		}
	}
	return User{ID: u.ID, Email: u.Email, Metadata: meta}
}

// compile-time interface check
var _ Client = (*GoTrueClient)(nil)
