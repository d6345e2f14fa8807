// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, auth, transport, processing, system
	Action   string // ユーザー向け対処方法
	Field    string // バリデーションエラーの対象フィールド（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryAuth       = "auth"
	CategoryTransport  = "transport"
	CategoryProcessing = "processing"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeValidation          = "VALIDATION_FAILED"
	ErrCodeNoChanges           = "NO_CHANGES"
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeProviderRejected    = "PROVIDER_REJECTED"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeMetadataSyncFailed  = "METADATA_SYNC_FAILED"
	ErrCodeUnsupportedProvider = "UNSUPPORTED_PROVIDER"
	ErrCodeIdentityNotLinked   = "IDENTITY_NOT_LINKED"
	ErrCodeFileTooLarge        = "FILE_TOO_LARGE"
	ErrCodeImageTooSmall       = "IMAGE_TOO_SMALL"
	ErrCodeProcessingFailed    = "IMAGE_PROCESSING_FAILED"
	ErrCodePipelineState       = "INVALID_PIPELINE_STATE"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
)

// NewValidationError はフィールド単位のバリデーションエラーを生成する。
// ネットワーク呼び出し前のローカル検証でのみ使用する。
func NewValidationError(field, message, action string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: CategoryValidation,
		Action:   action,
		Field:    field,
	}
}

// NewNoChangesError は変更のない保存要求に対するエラーを生成する。
func NewNoChangesError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeNoChanges,
		Message:  "変更はありません。",
		Category: CategoryValidation,
		Action:   "内容を変更してから保存してください。",
		Field:    field,
	}
}

// NewUnauthenticatedError は未ログイン状態での操作エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "ログインが必要です。",
		Category: CategoryAuth,
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewProviderRejectedError はIdPが要求を拒否した場合のエラーを生成する。
// 認証失敗や連携の競合など、入力を修正して再試行すべきもの。
func NewProviderRejectedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderRejected,
		Message:  reason,
		Category: CategoryAuth,
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewProviderUnavailableError はIdPとの通信に失敗した場合のエラーを生成する。
func NewProviderUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  fmt.Sprintf("認証サービスとの通信に失敗しました: %s", reason),
		Category: CategoryTransport,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewMetadataSyncFailedError は画像の保存後にメタデータの同期だけが失敗した場合のエラーを生成する。
// 表示中の画像は巻き戻さない。
func NewMetadataSyncFailedError(kind AssetKind, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeMetadataSyncFailed,
		Message:  fmt.Sprintf("%sは保存されましたが、プロフィールへの反映に失敗しました: %s", kind, reason),
		Category: CategoryTransport,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnsupportedProviderError は連携できないIdPが指定された場合のエラーを生成する。
func NewUnsupportedProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedProvider,
		Message:  fmt.Sprintf("サポートされていないプロバイダーです: %s", provider),
		Category: CategoryValidation,
		Action:   "github、google、discord のいずれかを指定してください。",
		Field:    "provider",
	}
}

// NewIdentityNotLinkedError は未連携のIdPを解除しようとした場合のエラーを生成する。
func NewIdentityNotLinkedError(provider Provider) *APIError {
	return &APIError{
		Code:     ErrCodeIdentityNotLinked,
		Message:  fmt.Sprintf("%s は連携されていません。", provider),
		Category: CategoryValidation,
		Action:   "連携状態を再読み込みしてください。",
		Field:    "provider",
	}
}

// NewFileTooLargeError はファイルサイズ上限超過エラーを生成する。
func NewFileTooLargeError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodeFileTooLarge,
		Message:  fmt.Sprintf("画像は%dMB以下にしてください。", limit/(1<<20)),
		Category: CategoryValidation,
		Action:   "サイズの小さい画像を選択してください。",
		Field:    "file",
	}
}

// NewImageTooSmallError は画像の解像度が下限に満たない場合のエラーを生成する。
func NewImageTooSmallError(minWidth, minHeight int) *APIError {
	return &APIError{
		Code:     ErrCodeImageTooSmall,
		Message:  fmt.Sprintf("%dx%dピクセル以上の画像を使用してください。", minWidth, minHeight),
		Category: CategoryValidation,
		Action:   "解像度の高い画像を選択してください。",
		Field:    "file",
	}
}

// NewProcessingError は画像のデコード・ラスタライズ失敗エラーを生成する。
func NewProcessingError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProcessingFailed,
		Message:  fmt.Sprintf("画像の処理に失敗しました: %s", reason),
		Category: CategoryProcessing,
		Action:   "別の画像で再度お試しください。",
	}
}

// NewPipelineStateError は取り込みパイプラインの状態に合わない操作のエラーを生成する。
func NewPipelineStateError(state string) *APIError {
	return &APIError{
		Code:     ErrCodePipelineState,
		Message:  fmt.Sprintf("現在の状態（%s）ではこの操作を実行できません。", state),
		Category: CategoryValidation,
		Action:   "画像を選択し直してください。",
	}
}

// NewSessionNotFoundError はブラウザセッションが見つからない場合のエラーを生成する。
func NewSessionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  "セッションが見つかりません。",
		Category: CategoryAuth,
		Action:   "ページを再読み込みしてください。",
	}
}
