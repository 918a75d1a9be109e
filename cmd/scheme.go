package cmd

import (
	"fmt"
	"net/url"
	"strings"
)

// ensureScheme は、URLのスキームが存在しない場合に https:// を補完します。
func ensureScheme(rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("URLのパースエラー: %w", err)
	}

	if parsedURL.Scheme != "" {
		if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			return "", fmt.Errorf("無効なURLスキームです。httpまたはhttpsを指定してください: %s", rawURL)
		}
		return rawURL, nil
	}

	return "https://" + rawURL, nil
}

// parseBaseURL は、情報公開ページのURLを検証し、末尾を "/" に揃えて返します。
// 相対パスの解決がディレクトリ基準になるようにするためです。
func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("--base-url が空です")
	}
	withScheme, err := ensureScheme(raw)
	if err != nil {
		return nil, fmt.Errorf("--base-url の処理エラー: %w", err)
	}
	u, err := url.Parse(withScheme)
	if err != nil {
		return nil, fmt.Errorf("--base-url のパースエラー: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("--base-url にホストがありません: %s", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}
