// Package auth はログイン・登録・ログアウト・プロフィール更新を提供する。
//
// Gatewayは外部IDプロバイダーとの認証情報交換を行い、結果をブラウジング
// コンテキストのsession.Storeに反映する。プロバイダー固有のエラーはここで
// model.APIErrorに変換され、ハンドラーには届かない。
package auth

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/hitoshi/fileledger/internal/metrics"
	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/provider"
	"github.com/hitoshi/fileledger/internal/security"
	"github.com/hitoshi/fileledger/internal/session"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 6

// Credentials はログインの入力。
type Credentials struct {
	Email         string
	Password      string
	WantsElevated bool // 管理者としてのログインを要求する
}

// RegisterData は新規登録の入力。
type RegisterData struct {
	DisplayName     string
	Email           string
	Password        string
	ConfirmPassword string
	GenerateKeyPair bool
}

// ProfilePatch はプロフィール更新の入力。nilのフィールドは変更しない。
type ProfilePatch struct {
	DisplayName *string
}

// RoleResolver はプロバイダーのユーザーからIdentityを組み立てる。
type RoleResolver interface {
	Resolve(ctx context.Context, u provider.User) model.Identity
}

// ProfileWriter はプロフィール行の作成・更新に必要なインターフェース。
type ProfileWriter interface {
	Create(ctx context.Context, profile *model.Profile, email string) error
	UpdateUsername(ctx context.Context, userID, username string) error
}

// Config はGatewayの設定。
type Config struct {
	ProviderTimeout time.Duration // プロバイダー呼び出し1回あたりのタイムアウト
	SessionLifetime time.Duration // ログインから期限切れまでの時間
}

// Gateway は認証フローを実行する。
type Gateway struct {
	provider  provider.Client
	resolver  RoleResolver
	profiles  ProfileWriter
	sanitizer *security.TextSanitizer
	metrics   metrics.MetricsCollector
	config    Config
	logger    *slog.Logger
	now       func() time.Time
	keygen    func() (publicHex, privateHex string, err error)
}

// NewGateway はGatewayを生成する。
func NewGateway(
	p provider.Client,
	resolver RoleResolver,
	profiles ProfileWriter,
	config Config,
	logger *slog.Logger,
) *Gateway {
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = 10 * time.Second
	}
	if config.SessionLifetime <= 0 {
		config.SessionLifetime = model.DefaultSessionLifetime
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		provider:  p,
		resolver:  resolver,
		profiles:  profiles,
		sanitizer: security.NewTextSanitizer(),
		metrics:   metrics.Nop{},
		config:    config,
		logger:    logger,
		now:       time.Now,
		keygen:    generateKeyPair,
	}
}

// SetMetrics はメトリクスコレクターを設定する。
func (g *Gateway) SetMetrics(m metrics.MetricsCollector) {
	if m != nil {
		g.metrics = m
	}
}

// Login はメールアドレスとパスワードでログインし、セッションを保存する。
//
// WantsElevatedが指定され、解決されたロールが管理者でない場合は
// プロバイダー側のセッションを破棄したうえでAuthorizationErrorを返す。
// この場合Storeには何も保存されない。
func (g *Gateway) Login(ctx context.Context, st *session.Store, cred Credentials) (*model.Session, error) {
	email := strings.TrimSpace(cred.Email)
	if email == "" || cred.Password == "" {
		g.metrics.RecordLogin(metrics.OutcomeValidation)
		return nil, model.NewValidationError("メールアドレスとパスワードを入力してください")
	}

	gen := st.Begin()

	var grant *provider.Grant
	err := g.call(ctx, "sign_in", func(ctx context.Context) error {
		var err error
		grant, err = g.provider.SignInWithPassword(ctx, email, cred.Password)
		return err
	})
	if err != nil {
		st.Abort(gen)
		apiErr := g.translate("sign_in", err)
		g.metrics.RecordLogin(outcomeFor(apiErr))
		return nil, apiErr
	}

	ident := g.resolver.Resolve(ctx, grant.User)

	if cred.WantsElevated && !ident.IsAdmin() {
		g.signOutQuietly(ctx, grant.AccessToken)
		st.Abort(gen)
		g.logger.Warn("管理者ログインが拒否されました",
			slog.String("user_id", ident.ID),
		)
		g.metrics.RecordLogin(metrics.OutcomeAuthorization)
		return nil, model.NewAuthorizationError()
	}

	s := &model.Session{
		Token:     grant.AccessToken,
		Identity:  ident,
		ExpiresAt: g.now().Add(g.config.SessionLifetime),
	}

	if err := st.Commit(ctx, gen, s); err != nil {
		if errors.Is(err, session.ErrSuperseded) {
			// 後から行われたログアウト等が優先される。発行済みトークンは破棄する
			g.signOutQuietly(ctx, grant.AccessToken)
			g.metrics.RecordLogin(metrics.OutcomeTransient)
			return nil, model.NewTransientBackendError("別の操作によって中断されました。もう一度お試しください")
		}
		g.logger.Error("セッションの保存に失敗しました",
			slog.String("user_id", ident.ID),
			slog.String("error", err.Error()),
		)
		g.metrics.RecordLogin(metrics.OutcomeTransient)
		return nil, model.NewTransientBackendError("セッションを保存できませんでした")
	}

	g.logger.Info("user logged in",
		slog.String("user_id", ident.ID),
		slog.String("role", string(ident.Role)),
	)
	g.metrics.RecordLogin(metrics.OutcomeSuccess)
	return s, nil
}

// Register はユーザーを新規登録する。ログインは行わない。
// 入力の検証に失敗した場合はプロバイダーへ問い合わせずにValidationErrorを返す。
func (g *Gateway) Register(ctx context.Context, st *session.Store, data RegisterData) (*model.Identity, error) {
	name := g.sanitizer.DisplayName(data.DisplayName)
	email := strings.TrimSpace(data.Email)

	if apiErr := validateRegistration(name, email, data); apiErr != nil {
		g.metrics.RecordRegistration(metrics.OutcomeValidation)
		return nil, apiErr
	}

	metadata := map[string]string{"username": name}

	var privateKey string
	if data.GenerateKeyPair {
		pub, priv, err := g.keygen()
		if err != nil {
			g.logger.Error("鍵ペアの生成に失敗しました", slog.String("error", err.Error()))
			g.metrics.RecordRegistration(metrics.OutcomeTransient)
			return nil, model.NewTransientBackendError("鍵ペアを生成できませんでした")
		}
		metadata["publicKey"] = pub
		privateKey = priv
	}

	var user *provider.User
	err := g.call(ctx, "sign_up", func(ctx context.Context) error {
		var err error
		user, err = g.provider.SignUp(ctx, provider.SignUpInput{
			Email:    email,
			Password: data.Password,
			Metadata: metadata,
		})
		return err
	})
	if err != nil {
		apiErr := g.translate("sign_up", err)
		g.metrics.RecordRegistration(outcomeFor(apiErr))
		return nil, apiErr
	}

	now := g.now()
	if err := g.profiles.Create(ctx, &model.Profile{
		UserID:    user.ID,
		Username:  name,
		CreatedAt: now,
		UpdatedAt: now,
	}, user.Email); err != nil {
		// プロフィール行がなくてもログインは一般ユーザーとして成立する
		g.logger.Warn("プロフィールの作成に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	if privateKey != "" {
		if err := st.SetPrivateKey(ctx, privateKey); err != nil {
			g.logger.Warn("秘密鍵を保存できませんでした",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	g.logger.Info("user registered", slog.String("user_id", user.ID))
	g.metrics.RecordRegistration(metrics.OutcomeSuccess)

	return &model.Identity{
		ID:          user.ID,
		DisplayName: name,
		Email:       user.Email,
		Role:        model.RoleUser,
		PublicKey:   metadata["publicKey"],
	}, nil
}

// Logout はプロバイダー側のセッションを破棄し、Storeを必ずクリアする。
// プロバイダーへの通知失敗はログに記録するのみで、結果は常に未ログインとなる。
// 返すエラーは端末ストレージの削除失敗のみ。
func (g *Gateway) Logout(ctx context.Context, st *session.Store) error {
	if cur := st.Current(); cur != nil {
		g.signOutQuietly(ctx, cur.Token)
		g.logger.Info("user logged out", slog.String("user_id", cur.Identity.ID))
	}

	if err := st.SetCurrent(ctx, nil); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// UpdateProfile は表示名を更新し、セッションのIdentityを差し替える。
func (g *Gateway) UpdateProfile(ctx context.Context, st *session.Store, patch ProfilePatch) (*model.Identity, error) {
	cur, gen := st.Snapshot()
	if cur == nil {
		return nil, model.NewNotAuthenticatedError()
	}
	if patch.DisplayName == nil {
		ident := cur.Identity
		return &ident, nil
	}

	name := g.sanitizer.DisplayName(*patch.DisplayName)
	if name == "" {
		return nil, model.NewValidationError("ユーザー名を入力してください")
	}

	err := g.call(ctx, "update_user", func(ctx context.Context) error {
		_, err := g.provider.UpdateUser(ctx, cur.Token, map[string]string{"username": name})
		return err
	})
	if errors.Is(err, provider.ErrInvalidToken) {
		g.clear(ctx, st)
		return nil, model.NewNotAuthenticatedError()
	}
	if err != nil {
		return nil, g.translate("update_user", err)
	}

	if err := g.profiles.UpdateUsername(ctx, cur.Identity.ID, name); err != nil {
		g.logger.Error("プロフィールの更新に失敗しました",
			slog.String("user_id", cur.Identity.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewTransientBackendError("プロフィールを保存できませんでした")
	}

	next := cur.Clone()
	next.Identity.DisplayName = name
	if err := st.Commit(ctx, gen, next); err != nil {
		if errors.Is(err, session.ErrSuperseded) {
			return nil, model.NewNotAuthenticatedError()
		}
		return nil, model.NewTransientBackendError("セッションを更新できませんでした")
	}

	ident := next.Identity
	return &ident, nil
}

// Restore はコンテキストを開いた直後に保存済みセッションを検証する。
// 期限切れ、トークンの失効、プロバイダーへの問い合わせ失敗のいずれでもセッションを破棄する。
// 有効な場合はロールを再解決してIdentityを最新化する。
func (g *Gateway) Restore(ctx context.Context, st *session.Store) error {
	expired := st.State() == session.StateExpired
	gen := st.Begin()

	cur, _ := st.Snapshot()
	if cur == nil {
		if !expired {
			st.Abort(gen)
			return nil
		}
		return g.commitRestore(ctx, st, gen, nil)
	}

	var user *provider.User
	err := g.call(ctx, "get_user", func(ctx context.Context) error {
		var err error
		user, err = g.provider.GetUser(ctx, cur.Token)
		return err
	})
	if err != nil {
		g.logger.Info("保存済みセッションを検証できないため破棄します",
			slog.String("user_id", cur.Identity.ID),
			slog.String("error", err.Error()),
		)
		return g.commitRestore(ctx, st, gen, nil)
	}

	next := cur.Clone()
	next.Identity = g.resolver.Resolve(ctx, *user)
	return g.commitRestore(ctx, st, gen, next)
}

// Validate は現在のセッションを返す。期限切れを検出した場合は破棄してnilを返す。
func (g *Gateway) Validate(ctx context.Context, st *session.Store) *model.Session {
	if st.State() == session.StateExpired {
		g.clear(ctx, st)
		return nil
	}
	return st.Current()
}

func (g *Gateway) commitRestore(ctx context.Context, st *session.Store, gen session.Generation, s *model.Session) error {
	err := st.Commit(ctx, gen, s)
	if errors.Is(err, session.ErrSuperseded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	return nil
}

func (g *Gateway) clear(ctx context.Context, st *session.Store) {
	if err := st.SetCurrent(ctx, nil); err != nil {
		g.logger.Warn("セッションの削除に失敗しました", slog.String("error", err.Error()))
	}
}

// call はタイムアウト付きでプロバイダーを呼び出し、レイテンシを記録する。
func (g *Gateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.ProviderTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	g.metrics.RecordProviderLatency(op, time.Since(start))
	return err
}

// signOutQuietly はプロバイダーへのサインアウトを試み、失敗はログに記録するのみとする。
func (g *Gateway) signOutQuietly(ctx context.Context, token string) {
	if token == "" {
		return
	}
	err := g.call(ctx, "sign_out", func(ctx context.Context) error {
		return g.provider.SignOut(ctx, token)
	})
	if err != nil {
		g.logger.Warn("プロバイダーのサインアウトに失敗しました", slog.String("error", err.Error()))
	}
}

// translate はプロバイダーのエラーをAPIErrorに変換する。
func (g *Gateway) translate(op string, err error) *model.APIError {
	switch {
	case errors.Is(err, provider.ErrInvalidCredentials):
		return model.NewCredentialError()
	case errors.Is(err, provider.ErrUserExists):
		return model.NewDuplicateIdentityError()
	case errors.Is(err, provider.ErrInvalidToken):
		return model.NewNotAuthenticatedError()
	}

	g.logger.Error("認証プロバイダーの呼び出しに失敗しました",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	return model.NewTransientBackendError("認証サービスに接続できませんでした")
}

func outcomeFor(apiErr *model.APIError) string {
	switch apiErr.Code {
	case model.ErrCodeCredential:
		return metrics.OutcomeCredential
	case model.ErrCodeDuplicateIdentity:
		return metrics.OutcomeDuplicate
	case model.ErrCodeValidation:
		return metrics.OutcomeValidation
	default:
		return metrics.OutcomeTransient
	}
}

func validateRegistration(name, email string, data RegisterData) *model.APIError {
	if name == "" || email == "" || data.Password == "" || data.ConfirmPassword == "" {
		return model.NewValidationError("すべての項目を入力してください")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return model.NewValidationError("メールアドレスの形式が正しくありません")
	}
	if len([]rune(data.Password)) < MinPasswordLength {
		return model.NewValidationError(fmt.Sprintf("パスワードは%d文字以上で入力してください", MinPasswordLength))
	}
	if data.Password != data.ConfirmPassword {
		return model.NewValidationError("パスワードが一致しません")
	}
	return nil
}

// generateKeyPair はP-256の鍵ペアを生成し、公開鍵（非圧縮形式）と秘密鍵を16進文字列で返す。
func generateKeyPair() (string, string, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(priv.PublicKey().Bytes()), hex.EncodeToString(priv.Bytes()), nil
}
