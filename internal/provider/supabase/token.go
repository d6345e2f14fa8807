package supabase

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken はアクセストークンの解析・検証に失敗した場合に返される。
var ErrInvalidToken = errors.New("invalid access token")

// accessClaims はGoTrueが発行するアクセストークンのクレーム。
type accessClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// tokenInspector はアクセストークンから有効期限を読み取る。
// 署名鍵が設定されている場合はHS256で署名を検証する。
type tokenInspector struct {
	secret []byte
}

// expiry はアクセストークンの有効期限を返す。
func (ti tokenInspector) expiry(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, ErrInvalidToken
	}

	claims := &accessClaims{}
	if len(ti.secret) > 0 {
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, ErrInvalidToken
			}
			return ti.secret, nil
		})
		if err != nil || !parsed.Valid {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: exp missing", ErrInvalidToken)
	}
	return claims.ExpiresAt.Time, nil
}
