package session

import (
	"strings"
	"unicode/utf8"

	"github.com/katarogu/account/internal/model"
)

// 入力値の制約
const (
	minNameLength        = 2
	minPasswordLength    = 8
	maxPasswordLength    = 72
	minUsernameLength    = 3
	maxUsernameLength    = 16
	minDisplayNameLength = 1
	maxDisplayNameLength = 32
)

// TextSanitizer はユーザー入力のテキストからマークアップを除去する。
type TextSanitizer interface {
	SanitizeText(s string) string
}

// RegisterInput は新規登録の入力。
type RegisterInput struct {
	Name            string
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
}

// validateRegister は登録内容をローカルで検証する。
// 検証順は name → username → email → パスワード長 → パスワード一致で、最初の失敗で打ち切る。
func (s *Store) validateRegister(in RegisterInput) *model.APIError {
	if utf8.RuneCountInString(in.Name) < minNameLength || !s.clean(in.Name) {
		return model.NewValidationError("name", "名前は2文字以上で入力してください。", "名前を入力し直してください。")
	}
	if in.Username == "" || !s.clean(in.Username) {
		return model.NewValidationError("username", "ユーザー名を入力してください。", "ユーザー名を入力し直してください。")
	}
	if !strings.Contains(in.Email, "@") {
		return model.NewValidationError("email", "有効なメールアドレスを入力してください。", "メールアドレスを確認してください。")
	}
	// bcryptの上限に合わせてバイト長で判定する
	if len(in.Password) < minPasswordLength || len(in.Password) > maxPasswordLength {
		return model.NewValidationError("password", "パスワードは8〜72文字で入力してください。", "パスワードを入力し直してください。")
	}
	if in.Password != in.ConfirmPassword {
		return model.NewValidationError("confirmPassword", "パスワードが一致しません。", "確認用パスワードを入力し直してください。")
	}
	return nil
}

// validateUsername はユーザー名の変更内容を検証する。
func (s *Store) validateUsername(username, current string) *model.APIError {
	n := utf8.RuneCountInString(username)
	if n < minUsernameLength || n > maxUsernameLength || !s.clean(username) {
		return model.NewValidationError("username", "ユーザー名は3〜16文字で入力してください。", "ユーザー名を入力し直してください。")
	}
	if username == current {
		return model.NewNoChangesError("username")
	}
	return nil
}

// validateDisplayName は表示名の変更内容を検証する。
func (s *Store) validateDisplayName(name, current string) *model.APIError {
	n := utf8.RuneCountInString(name)
	if n < minDisplayNameLength || n > maxDisplayNameLength || !s.clean(name) {
		return model.NewValidationError("name", "表示名は1〜32文字で入力してください。", "表示名を入力し直してください。")
	}
	if name == current {
		return model.NewNoChangesError("name")
	}
	return nil
}

// clean はサニタイズで値が変化しないことを確認する。
func (s *Store) clean(v string) bool {
	if s.sanitizer == nil {
		return true
	}
	return s.sanitizer.SanitizeText(v) == v
}
