package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/shouni/go-http-kit/pkg/httpkit"

	"github.com/shouni/eprx-results/pkg/types"
)

const (
	// MinArchiveSize は、アーカイブとして受け入れる最小のバイト数です。
	// これより小さいボディはエラーページなどとみなします。
	MinArchiveSize = 100

	filePerm = 0o644
	dirPerm  = 0o755
)

var (
	// ErrTooSmall は、レスポンスボディが MinArchiveSize に満たない場合のエラーです。
	ErrTooSmall = errors.New("レスポンスボディが小さすぎます (アーカイブではない可能性があります)")
	// ErrNoFileName は、URLから保存先のファイル名を決められない場合のエラーです。
	ErrNoFileName = errors.New("URLからファイル名を決定できません")
)

// Fetcher は、アーカイブURLをファイルとして保存します。
type Fetcher struct {
	doer    httpkit.Doer
	minSize int64
}

// Option は Fetcher の設定を行うための関数型です。
type Option func(*Fetcher)

// WithMinSize は、受け入れる最小のボディサイズを設定します。
func WithMinSize(n int64) Option {
	return func(f *Fetcher) {
		if n >= 0 {
			f.minSize = n
		}
	}
}

// New は、新しい Fetcher を生成します。
func New(doer httpkit.Doer, options ...Option) (*Fetcher, error) {
	if doer == nil {
		return nil, fmt.Errorf("download.New: Doer cannot be nil")
	}
	f := &Fetcher{
		doer:    doer,
		minSize: MinArchiveSize,
	}
	for _, opt := range options {
		opt(f)
	}
	return f, nil
}

// Fetch は、1件のダウンロード要求を処理し、その結果を返します。
// Overwrite が false で保存先が既に存在する場合は、通信せずにスキップします。
// 失敗時に保存先へ不完全なファイルが残ることはありません。
func (f *Fetcher) Fetch(ctx context.Context, target types.DownloadTarget) types.Outcome {
	if !target.Overwrite {
		if _, err := os.Stat(target.Destination); err == nil {
			return types.Skipped(types.ReasonExists, target.URL, target.Destination)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return types.Failed(types.ReasonTransport, target.URL, target.Destination,
			fmt.Errorf("GETリクエスト作成に失敗しました: %w", err))
	}
	req.Header.Set("User-Agent", httpkit.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.doer.Do(req)
	if err != nil {
		return types.Failed(types.ReasonTransport, target.URL, target.Destination,
			fmt.Errorf("HTTPリクエストに失敗しました (URL: %s): %w", target.URL, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := httpkit.HandleLimitedResponse(resp, httpkit.MaxBodyDisplaySize)
		return types.Failed(types.ReasonHTTPStatus, target.URL, target.Destination,
			&httpkit.NonRetryableHTTPError{StatusCode: resp.StatusCode, Body: body})
	}
	defer resp.Body.Close()

	reason, err := f.save(resp.Body, target.Destination)
	if err != nil {
		return types.Failed(reason, target.URL, target.Destination, err)
	}
	return types.Succeeded(target.URL, target.Destination)
}

// save は、ボディを同じディレクトリの一時ファイルへ書き出してから保存先へリネームします。
func (f *Fetcher) save(body io.Reader, dest string) (types.Reason, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return types.ReasonWrite, fmt.Errorf("保存先ディレクトリの作成に失敗しました (%s): %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return types.ReasonWrite, fmt.Errorf("一時ファイルの作成に失敗しました: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	src := &countingReader{r: body}
	n, err := io.Copy(tmp, src)
	if err != nil {
		_ = tmp.Close()
		if src.err != nil {
			return types.ReasonTransport, fmt.Errorf("レスポンスボディの受信に失敗しました: %w", err)
		}
		return types.ReasonWrite, fmt.Errorf("一時ファイルへの書き込みに失敗しました: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return types.ReasonWrite, fmt.Errorf("一時ファイルのクローズに失敗しました: %w", err)
	}

	if n < f.minSize {
		return types.ReasonTooSmall, fmt.Errorf("%w (%dバイト)", ErrTooSmall, n)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		return types.ReasonWrite, fmt.Errorf("パーミッションの設定に失敗しました: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return types.ReasonWrite, fmt.Errorf("保存先へのリネームに失敗しました (%s): %w", dest, err)
	}
	committed = true
	return types.ReasonNone, nil
}

// FetchAll は、リンクを順番にダウンロードし、1件ごとに handle へ結果を渡します。
// 保存先のファイル名はURLパスの末尾要素です。コンテキストがキャンセルされた場合は中断します。
func (f *Fetcher) FetchAll(ctx context.Context, links []types.ResultLink, outDir string, overwrite bool, handle func(types.Outcome)) error {
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return err
		}

		name, err := FileNameFromURL(link.URL)
		if err != nil {
			handle(types.Failed(types.ReasonWrite, link.URL, "", err))
			continue
		}
		handle(f.Fetch(ctx, types.DownloadTarget{
			URL:         link.URL,
			Destination: filepath.Join(outDir, name),
			Overwrite:   overwrite,
		}))
	}
	return nil
}

// FileNameFromURL は、URLパスの末尾要素をファイル名として返します。
func FileNameFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("URLのパースエラー (%s): %w", raw, err)
	}
	name := path.Base(u.Path)
	switch name {
	case "", ".", "/", "..":
		return "", fmt.Errorf("%w: %s", ErrNoFileName, raw)
	}
	return name, nil
}

// countingReader は、読み込み側で発生したエラーを記録します。
type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && err != io.EOF {
		c.err = err
	}
	return n, err
}
