// Package session はブラウザセッションごとの認証状態を管理する。
//
// Storeは1つのブラウザセッションに対する唯一の状態の持ち主で、IdPからの
// 認証状態変化イベントを受けて状態を丸ごと置き換える（reconciliation）。
// 変更操作は外部呼び出しの成否に応じて状態を進め、購読者に通知する。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/katarogu/account/internal/fallback"
	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/provider"
)

const (
	defaultCallbackPath = "/auth/callback"
	defaultNextPath     = "/account/providers"
	defaultResetPath    = "/auth/reset"
)

// Recorder は操作結果のメトリクスを記録する。
type Recorder interface {
	ObserveOperation(op, outcome string)
	ObserveReconciliation(event string)
	ObserveUpload(kind string, bytes int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveOperation(string, string)  {}
func (noopRecorder) ObserveReconciliation(string)     {}
func (noopRecorder) ObserveUpload(string, int)        {}

// Snapshot はセッション状態の読み取り専用コピー。
type Snapshot struct {
	User       *model.User
	Identities model.LinkedIdentities
	AvatarURL  string
	BannerURL  string
	Ready      bool
}

// Options はStoreの設定。
type Options struct {
	// BaseURL はOAuthコールバック等のリダイレクト先を組み立てる基準URL。
	BaseURL   string
	Sanitizer TextSanitizer
	Recorder  Recorder
}

// Store は1つのブラウザセッションの認証状態を保持する。
type Store struct {
	auth      provider.Auth
	storage   provider.Storage
	resolver  *fallback.Resolver
	sanitizer TextSanitizer
	metrics   Recorder
	baseURL   string

	mu    sync.RWMutex
	state Snapshot

	// 画像種別ごとのアップロード・削除の直列化
	assetMu map[model.AssetKind]*sync.Mutex

	hub *hub
}

// New はStoreを生成する。初期状態は未ログインで、Readyは最初のreconciliationまでfalse。
func New(auth provider.Auth, storage provider.Storage, resolver *fallback.Resolver, opts Options) *Store {
	rec := opts.Recorder
	if rec == nil {
		rec = noopRecorder{}
	}
	s := &Store{
		auth:      auth,
		storage:   storage,
		resolver:  resolver,
		sanitizer: opts.Sanitizer,
		metrics:   rec,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		assetMu: map[model.AssetKind]*sync.Mutex{
			model.AssetAvatar: {},
			model.AssetBanner: {},
		},
		hub: newHub(),
	}
	s.state = s.derive(nil, false)
	return s
}

// Snapshot は現在の状態のコピーを返す。
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySnapshot(&s.state)
}

// Subscribe は状態変化と通知の購読を開始する。戻り値の関数で購読を解除する。
func (s *Store) Subscribe() (<-chan Update, func()) {
	return s.hub.subscribe()
}

// Notify は購読者に通知を配信する。
func (s *Store) Notify(n Notice) {
	s.hub.publish(Update{Notice: &n})
}

// Close は全購読を終了する。
func (s *Store) Close() {
	s.hub.close()
}

// Run はイベントチャネルが閉じられるかctxが終了するまで、認証状態変化を反映し続ける。
func (s *Store) Run(ctx context.Context, events <-chan provider.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Reconcile(ctx, ev)
		}
	}
}

// Reconcile はIdPから正規のユーザーレコードを再取得し、派生状態を丸ごと置き換える。
// Readyをtrueにする唯一の経路。再取得に失敗した場合もReadyにする。
func (s *Store) Reconcile(ctx context.Context, ev provider.Event) {
	s.metrics.ObserveReconciliation(string(ev.Type))

	var (
		user      *model.User
		keepPrior bool
	)
	if ev.Type != provider.EventSignedOut && ev.Session != nil {
		fetched, err := s.auth.GetUser(ctx)
		if err != nil {
			slog.Warn("ユーザー情報の再取得に失敗しました",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
			// イベントに含まれるユーザー、なければ直前のユーザーで代替する
			fetched = ev.Session.User
			keepPrior = fetched == nil
		}
		user = fetched
	}

	s.mu.Lock()
	if keepPrior && s.state.User != nil {
		prior := *s.state.User
		user = &prior
	}
	s.state = s.derive(user, true)
	snap := copySnapshot(&s.state)
	s.mu.Unlock()

	s.hub.publish(Update{Snapshot: &snap})
}

// SignIn はメールアドレスとパスワードでログインする。
func (s *Store) SignIn(ctx context.Context, email, password string) (err error) {
	defer func() { s.metrics.ObserveOperation("sign_in", outcome(err)) }()

	if strings.TrimSpace(email) == "" || password == "" {
		return s.fail("ログインに失敗しました", model.NewValidationError("email", "メールアドレスとパスワードを入力してください。", "入力内容を確認してください。"))
	}

	sess, err := s.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return s.fail("ログインに失敗しました", err)
	}

	user := sess.User
	if user == nil {
		if user, err = s.auth.GetUser(ctx); err != nil || user == nil {
			return s.fail("ログインに失敗しました", fallbackErr(err))
		}
	}
	s.apply(user)

	slog.Info("ユーザーがログインしました", slog.String("user_id", user.ID))
	s.Notify(Notice{Level: NoticeSuccess, Title: "ログインしました", Message: fmt.Sprintf("おかえりなさい、%sさん", displayName(user))})
	return nil
}

// SignOut はログアウトする。外部呼び出しの前に状態を未ログインへ戻し、
// 外部呼び出しが失敗しても巻き戻さない。
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	userID := ""
	if s.state.User != nil {
		userID = s.state.User.ID
	}
	s.state = s.derive(nil, s.state.Ready)
	snap := copySnapshot(&s.state)
	s.mu.Unlock()
	s.hub.publish(Update{Snapshot: &snap})

	err := s.auth.SignOut(ctx)
	s.metrics.ObserveOperation("sign_out", outcome(err))
	if err != nil {
		slog.Warn("IdPのログアウト処理に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	slog.Info("ユーザーがログアウトしました", slog.String("user_id", userID))
	s.Notify(Notice{Level: NoticeSuccess, Title: "ログアウトしました"})
	return nil
}

// Register はユーザーを新規登録する。ローカル検証をすべて通過した場合のみIdPを呼び出す。
func (s *Store) Register(ctx context.Context, in RegisterInput) (err error) {
	defer func() { s.metrics.ObserveOperation("register", outcome(err)) }()

	if verr := s.validateRegister(in); verr != nil {
		return s.fail("入力内容に誤りがあります", verr)
	}

	meta := map[string]any{
		model.MetaName:     in.Name,
		model.MetaUsername: in.Username,
	}
	if err := s.auth.SignUp(ctx, in.Email, in.Password, meta); err != nil {
		return s.fail("登録に失敗しました", err)
	}

	slog.Info("ユーザー登録を受け付けました", slog.String("username", in.Username))
	s.Notify(Notice{Level: NoticeSuccess, Title: "登録しました", Message: "確認メールのリンクを開いて登録を完了してください。"})
	return nil
}

// RefreshIdentities は連携済みidentityを取得し、丸ごと置き換える。
// 並行呼び出しは完了順に上書きされる。取得中にユーザーが変わった場合は結果を捨てる。
func (s *Store) RefreshIdentities(ctx context.Context) (err error) {
	defer func() { s.metrics.ObserveOperation("refresh_identities", outcome(err)) }()

	userID, ok := s.currentUserID()
	if !ok {
		return Classify(provider.ErrNoSession)
	}

	idents, err := s.auth.GetUserIdentities(ctx)
	if err != nil {
		slog.Warn("連携情報の取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return Classify(err)
	}

	s.mu.Lock()
	if s.state.User == nil || s.state.User.ID != userID {
		s.mu.Unlock()
		return nil
	}
	user := *s.state.User
	user.Identities = append([]model.IdentityLink(nil), idents...)
	s.state.User = &user
	s.state.Identities = linkedFrom(idents)
	snap := copySnapshot(&s.state)
	s.mu.Unlock()

	s.hub.publish(Update{Snapshot: &snap})
	return nil
}

// UploadAsset は画像をストレージへ上書きアップロードし、表示URLを更新してメタデータに保存する。
// アップロード成功時点で表示URLを確定し、メタデータ保存の失敗では巻き戻さない。
func (s *Store) UploadAsset(ctx context.Context, req model.AssetUploadRequest) (err error) {
	defer func() { s.metrics.ObserveOperation("upload_"+string(req.Kind), outcome(err)) }()

	if _, ok := model.ParseAssetKind(string(req.Kind)); !ok {
		return model.NewValidationError("kind", "画像の種別が不正です。", "avatar または banner を指定してください。")
	}
	userID, ok := s.currentUserID()
	if !ok {
		return s.fail("アップロードに失敗しました", provider.ErrNoSession)
	}
	if req.UserID != "" && req.UserID != userID {
		return s.fail("アップロードに失敗しました", model.NewUnauthenticatedError())
	}
	if len(req.Data) == 0 {
		return s.fail("アップロードに失敗しました", model.NewProcessingError("empty payload"))
	}

	mu := s.assetMu[req.Kind]
	mu.Lock()
	defer mu.Unlock()

	path := req.Kind.ObjectPath(userID)
	err = s.storage.Upload(ctx, path, req.Data, provider.UploadOptions{
		ContentType: req.ContentType,
		Overwrite:   true,
	})
	if err != nil {
		return s.fail("アップロードに失敗しました", err)
	}
	s.metrics.ObserveUpload(string(req.Kind), len(req.Data))

	// フェーズ1: 保存が確定したので表示URLを進める
	ref := s.storage.PublicURL(path)
	s.setRef(userID, req.Kind, ref)

	slog.Info("画像をアップロードしました",
		slog.String("user_id", userID),
		slog.String("kind", string(req.Kind)),
		slog.Int("bytes", len(req.Data)),
	)

	// フェーズ2: メタデータへの保存は失敗しても表示URLを戻さない
	if err := s.persistRef(ctx, userID, req.Kind, ref); err != nil {
		return err
	}

	s.Notify(Notice{Level: NoticeSuccess, Title: fmt.Sprintf("%sをアップロードしました", kindLabel(req.Kind))})
	return nil
}

// RemoveAsset はストレージ上の画像を削除し、表示URLを既定画像へ戻してメタデータに保存する。
func (s *Store) RemoveAsset(ctx context.Context, kind model.AssetKind) (err error) {
	defer func() { s.metrics.ObserveOperation("remove_"+string(kind), outcome(err)) }()

	if _, ok := model.ParseAssetKind(string(kind)); !ok {
		return model.NewValidationError("kind", "画像の種別が不正です。", "avatar または banner を指定してください。")
	}

	s.mu.RLock()
	var user model.User
	signedIn := s.state.User != nil
	if signedIn {
		user = *s.state.User
	}
	s.mu.RUnlock()
	if !signedIn {
		return s.fail("画像の削除に失敗しました", provider.ErrNoSession)
	}

	mu := s.assetMu[kind]
	mu.Lock()
	defer mu.Unlock()

	if err := s.storage.Remove(ctx, []string{kind.ObjectPath(user.ID)}); err != nil {
		return s.fail("画像の削除に失敗しました", err)
	}

	ref := s.fallbackRef(&user, kind)
	s.setRef(user.ID, kind, ref)

	slog.Info("画像を削除しました",
		slog.String("user_id", user.ID),
		slog.String("kind", string(kind)),
	)

	if err := s.persistRef(ctx, user.ID, kind, ref); err != nil {
		return err
	}

	s.Notify(Notice{Level: NoticeSuccess, Title: fmt.Sprintf("%sを削除しました", kindLabel(kind))})
	return nil
}

// SignInWithOAuth はOAuthログインのリダイレクト先URLを返す。
// nextはログイン完了後に戻るアプリ内パス。
func (s *Store) SignInWithOAuth(ctx context.Context, p model.Provider, next string) (redirect string, err error) {
	defer func() { s.metrics.ObserveOperation("sign_in_oauth", outcome(err)) }()

	if _, ok := model.ParseProvider(string(p)); !ok {
		return "", model.NewUnsupportedProviderError(string(p))
	}
	redirect, err = s.auth.SignInWithOAuth(ctx, p, s.CallbackURL(next))
	if err != nil {
		return "", s.fail("ログインを開始できませんでした", err)
	}
	return redirect, nil
}

// ExchangeCode はOAuthログイン・identity連携のコールバックを完了する。
func (s *Store) ExchangeCode(ctx context.Context, code string) (err error) {
	defer func() { s.metrics.ObserveOperation("exchange_code", outcome(err)) }()

	if code == "" {
		return s.fail("ログインに失敗しました", model.NewValidationError("code", "認可コードがありません。", "もう一度ログインしてください。"))
	}

	sess, err := s.auth.ExchangeCodeForSession(ctx, code)
	if err != nil {
		return s.fail("ログインに失敗しました", err)
	}
	user := sess.User
	if user == nil {
		if user, err = s.auth.GetUser(ctx); err != nil || user == nil {
			return s.fail("ログインに失敗しました", fallbackErr(err))
		}
	}
	s.apply(user)

	slog.Info("OAuthコールバックを完了しました", slog.String("user_id", user.ID))
	return nil
}

// ResetPassword はパスワード再設定メールの送信を依頼する。
// 登録有無にかかわらず同じ通知を返す。
func (s *Store) ResetPassword(ctx context.Context, email string) (err error) {
	defer func() { s.metrics.ObserveOperation("reset_password", outcome(err)) }()

	if !strings.Contains(email, "@") {
		return s.fail("送信できませんでした", model.NewValidationError("email", "有効なメールアドレスを入力してください。", "メールアドレスを確認してください。"))
	}
	if err := s.auth.ResetPasswordForEmail(ctx, email, s.baseURL+defaultResetPath); err != nil {
		return s.fail("送信できませんでした", err)
	}

	s.Notify(Notice{Level: NoticeInfo, Title: "送信しました", Message: "登録済みのメールアドレスであれば、まもなくメールが届きます。"})
	return nil
}

// UpdateUsername はユーザー名を変更する。
func (s *Store) UpdateUsername(ctx context.Context, username string) (err error) {
	defer func() { s.metrics.ObserveOperation("update_username", outcome(err)) }()

	user, ok := s.currentUser()
	if !ok {
		return s.fail("保存できませんでした", provider.ErrNoSession)
	}
	if verr := s.validateUsername(username, user.Username); verr != nil {
		return s.fail("保存できませんでした", verr)
	}
	return s.updateMetadata(ctx, map[string]any{model.MetaUsername: username}, "ユーザー名を変更しました")
}

// UpdateDisplayName は表示名を変更する。
func (s *Store) UpdateDisplayName(ctx context.Context, name string) (err error) {
	defer func() { s.metrics.ObserveOperation("update_display_name", outcome(err)) }()

	user, ok := s.currentUser()
	if !ok {
		return s.fail("保存できませんでした", provider.ErrNoSession)
	}
	if verr := s.validateDisplayName(name, user.Name); verr != nil {
		return s.fail("保存できませんでした", verr)
	}
	return s.updateMetadata(ctx, map[string]any{model.MetaName: name}, "表示名を変更しました")
}

// UpdateVisibility はプロフィールの公開範囲を変更する。
func (s *Store) UpdateVisibility(ctx context.Context, visibility string) (err error) {
	defer func() { s.metrics.ObserveOperation("update_visibility", outcome(err)) }()

	user, ok := s.currentUser()
	if !ok {
		return s.fail("保存できませんでした", provider.ErrNoSession)
	}
	v, valid := model.ParseVisibility(visibility)
	if !valid {
		return s.fail("保存できませんでした", model.NewValidationError("visibility", "公開範囲が不正です。", "public、unlisted、private のいずれかを指定してください。"))
	}
	if v == user.Visibility {
		return s.fail("保存できませんでした", model.NewNoChangesError("visibility"))
	}
	return s.updateMetadata(ctx, map[string]any{model.MetaVisibility: string(v)}, "公開範囲を変更しました")
}

// Auth はこのセッションのIdPクライアントを返す。
func (s *Store) Auth() provider.Auth {
	return s.auth
}

// CallbackURL はOAuthコールバックURLを返す。nextはアプリ内の相対パスのみ許可する。
func (s *Store) CallbackURL(next string) string {
	q := url.Values{"next": {SafeNext(next)}}
	return s.baseURL + defaultCallbackPath + "?" + q.Encode()
}

// SafeNext はリダイレクト先としてアプリ内の相対パスのみを許可する。
func SafeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, `\`) {
		return defaultNextPath
	}
	return next
}

// updateMetadata はメタデータを更新し、応答のユーザーで状態を置き換える。
func (s *Store) updateMetadata(ctx context.Context, meta map[string]any, title string) error {
	user, err := s.auth.UpdateUser(ctx, meta)
	if err != nil {
		return s.fail("保存できませんでした", err)
	}
	if user != nil {
		s.apply(user)
	}
	s.Notify(Notice{Level: NoticeSuccess, Title: title})
	return nil
}

// persistRef は表示URLをメタデータに保存する。失敗は報告のみで状態は戻さない。
func (s *Store) persistRef(ctx context.Context, userID string, kind model.AssetKind, ref string) error {
	if _, err := s.auth.UpdateUser(ctx, map[string]any{kind.MetaKey(): ref}); err != nil {
		slog.Warn("画像URLのメタデータ保存に失敗しました",
			slog.String("user_id", userID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		apiErr := model.NewMetadataSyncFailedError(kind, Classify(err).Message)
		s.Notify(Notice{Level: NoticeWarning, Title: "プロフィールへの反映に失敗しました", Message: apiErr.Message, Code: apiErr.Code})
		return apiErr
	}
	return nil
}

// setRef は対象ユーザーがログイン中の場合に限り表示URLを更新する。
func (s *Store) setRef(userID string, kind model.AssetKind, ref string) {
	s.mu.Lock()
	if s.state.User == nil || s.state.User.ID != userID {
		s.mu.Unlock()
		return
	}
	if kind == model.AssetBanner {
		s.state.BannerURL = ref
	} else {
		s.state.AvatarURL = ref
	}
	snap := copySnapshot(&s.state)
	s.mu.Unlock()

	s.hub.publish(Update{Snapshot: &snap})
}

// apply は認証済みユーザーで状態を丸ごと置き換える。Readyは変更しない。
func (s *Store) apply(user *model.User) {
	s.mu.Lock()
	s.state = s.derive(user, s.state.Ready)
	snap := copySnapshot(&s.state)
	s.mu.Unlock()

	s.hub.publish(Update{Snapshot: &snap})
}

// derive はユーザーレコードから派生状態を計算する。
func (s *Store) derive(user *model.User, ready bool) Snapshot {
	if user == nil {
		avatar, banner := s.resolver.Anonymous()
		return Snapshot{
			Identities: model.LinkedIdentities{},
			AvatarURL:  avatar,
			BannerURL:  banner,
			Ready:      ready,
		}
	}

	avatar := user.MetaString(model.MetaAvatar)
	if avatar == "" {
		avatar = s.fallbackRef(user, model.AssetAvatar)
	}
	banner := user.MetaString(model.MetaBanner)
	if banner == "" {
		banner = s.fallbackRef(user, model.AssetBanner)
	}

	u := *user
	return Snapshot{
		User:       &u,
		Identities: linkedFrom(user.Identities),
		AvatarURL:  avatar,
		BannerURL:  banner,
		Ready:      ready,
	}
}

// fallbackRef は画像種別ごとの既定URLを返す。
func (s *Store) fallbackRef(user *model.User, kind model.AssetKind) string {
	if kind == model.AssetBanner {
		return s.resolver.BannerURL()
	}
	username := user.Username
	if username == "" {
		username = user.MetaString(model.MetaUsername)
	}
	return s.resolver.AvatarURL(username, user.ID)
}

// fail はエラーを分類して通知し、分類済みエラーを返す。
func (s *Store) fail(title string, err error) *model.APIError {
	apiErr := Classify(err)
	s.Notify(Notice{Level: NoticeError, Title: title, Message: apiErr.Message, Code: apiErr.Code})
	return apiErr
}

func (s *Store) currentUserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.User == nil {
		return "", false
	}
	return s.state.User.ID, true
}

func (s *Store) currentUser() (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.User == nil {
		return model.User{}, false
	}
	return *s.state.User, true
}

// linkedFrom はidentity一覧から連携可能なIdPのみを抽出する。
func linkedFrom(idents []model.IdentityLink) model.LinkedIdentities {
	linked := model.LinkedIdentities{}
	for i := range idents {
		p, ok := model.ParseProvider(string(idents[i].Provider))
		if !ok {
			continue
		}
		if _, exists := linked[p]; exists {
			continue
		}
		link := idents[i]
		linked[p] = &link
	}
	return linked
}

func copySnapshot(src *Snapshot) Snapshot {
	dst := *src
	if src.User != nil {
		u := *src.User
		u.Metadata = make(map[string]any, len(src.User.Metadata))
		for k, v := range src.User.Metadata {
			u.Metadata[k] = v
		}
		u.Identities = append([]model.IdentityLink(nil), src.User.Identities...)
		dst.User = &u
	}
	dst.Identities = make(model.LinkedIdentities, len(src.Identities))
	for p, link := range src.Identities {
		l := *link
		dst.Identities[p] = &l
	}
	return dst
}

func displayName(u *model.User) string {
	if u.Name != "" {
		return u.Name
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}

func kindLabel(kind model.AssetKind) string {
	if kind == model.AssetBanner {
		return "バナー"
	}
	return "アバター"
}

// fallbackErr はユーザーを取得できなかった場合のエラーを返す。
func fallbackErr(err error) error {
	if err != nil {
		return err
	}
	return provider.ErrNoSession
}
