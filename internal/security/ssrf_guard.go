// Package security は外部URLからの画像取り込みのSSRF防止と、プロフィール入力のサニタイズを提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// 画像取り込み元URLの検証エラー。
var (
	ErrDisallowedScheme = errors.New("disallowed scheme")
	ErrDisallowedPort   = errors.New("disallowed port")
	ErrBlockedHost      = errors.New("blocked host")
	ErrCredentialsInURL = errors.New("credentials in URL")
)

// SSRFGuardService は連携済みIdPのアバター画像など、外部URLから画像を取り込む際の防御を定義する。
type SSRFGuardService interface {
	// NewSafeClient は接続先IPをDNS解決後に検証するHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はURLを取得前に静的に検証する。
	ValidateURL(rawURL string) error
}

var (
	allowedSchemes = []string{"http", "https"}
	allowedPorts   = []int{80, 443}
)

// blockedPrefixes は取り込み元として許可しないアドレス範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// blockedHostSuffixes は内部向けの名前解決に使われるホスト名。
var blockedHostSuffixes = []string{"localhost", ".localhost", ".internal", ".local"}

// SSRFGuard はSSRFGuardServiceの実装。
type SSRFGuard struct{}

// NewSSRFGuard はSSRFGuardを生成する。
func NewSSRFGuard() *SSRFGuard {
	return &SSRFGuard{}
}

// NewSafeClient は取り込み用のHTTPクライアントを生成する。
// safeurlがDialerのControlフックで解決後のIPを検証するため、リダイレクト先やDNS再バインディングにも適用される。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はDNS解決を伴わない静的な検証を行う。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !containsString(allowedSchemes, scheme) {
		return fmt.Errorf("%w: %q", ErrDisallowedScheme, scheme)
	}
	if parsed.User != nil {
		return ErrCredentialsInURL
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if port := parsed.Port(); port != "" && !isAllowedPort(port) {
		return fmt.Errorf("%w: %s", ErrDisallowedPort, port)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr) {
			return fmt.Errorf("%w: %s", ErrBlockedHost, addr)
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}
	return nil
}

func isAllowedPort(port string) bool {
	for _, p := range allowedPorts {
		if port == fmt.Sprint(p) {
			return true
		}
	}
	return false
}

// isBlockedAddr はIPv4射影アドレスを展開した上でブロック対象かを判定する。
func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	if addr.IsUnspecified() || addr.IsMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	for _, suffix := range blockedHostSuffixes {
		if lower == suffix || (strings.HasPrefix(suffix, ".") && strings.HasSuffix(lower, suffix)) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ SSRFGuardService = (*SSRFGuard)(nil)
