package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureScheme(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"https はそのまま", "https://www.eprx.or.jp/information/", "https://www.eprx.or.jp/information/", false},
		{"http はそのまま", "http://localhost:8080/", "http://localhost:8080/", false},
		{"スキームなしは https を補完", "www.eprx.or.jp/information/", "https://www.eprx.or.jp/information/", false},
		{"ftp はエラー", "ftp://www.eprx.or.jp/", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ensureScheme(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBaseURL(t *testing.T) {
	t.Run("末尾にスラッシュを補う", func(t *testing.T) {
		u, err := parseBaseURL("https://www.eprx.or.jp/information")
		require.NoError(t, err)
		assert.Equal(t, "https://www.eprx.or.jp/information/", u.String())
	})

	t.Run("スキームを補完する", func(t *testing.T) {
		u, err := parseBaseURL(" www.eprx.or.jp/information/ ")
		require.NoError(t, err)
		assert.Equal(t, "https", u.Scheme)
		assert.Equal(t, "www.eprx.or.jp", u.Host)
	})

	t.Run("空文字はエラー", func(t *testing.T) {
		_, err := parseBaseURL("  ")
		assert.Error(t, err)
	})

	t.Run("不正なスキームはエラー", func(t *testing.T) {
		_, err := parseBaseURL("file:///tmp/results.php")
		assert.Error(t, err)
	})
}
