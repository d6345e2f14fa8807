package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプロフィールの表示名・ユーザー名からマークアップを除去する。
// bluemondayのStrictPolicyで全タグを落とし、エスケープされた実体参照は元の文字に戻す。
// 入力と出力が一致しない場合、入力にマークアップが含まれていたことを意味する。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はテキストからHTMLタグを除去して返す。前後の空白も取り除く。
func (s *TextSanitizer) SanitizeText(text string) string {
	if text == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(text)))
}
