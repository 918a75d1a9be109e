package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/shouni/eprx-results/pkg/download"
	"github.com/shouni/eprx-results/pkg/extract"
	"github.com/shouni/eprx-results/pkg/types"
)

// ----------------------------------------------------------------------
// 定数定義
// ----------------------------------------------------------------------

const (
	// DefaultTimeout は、ページ遷移や要素待機の既定のタイムアウトです。
	DefaultTimeout = 60 * time.Second
	// DebugSlowMo は、デバッグ時に各操作の間に挟む待機時間 (ミリ秒) です。
	DebugSlowMo = 50

	detailLinkName   = "詳細はこちら"
	consentCheckbox  = `input[name="check"]`
	consentLabel     = "label.agreeCheck__checkbox"
	consentSubmit    = `input[type="submit"][name="submit"]`
	zipAnchor        = `a[href$=".zip"]`
	yearLabelSuffix  = "年度"
	partFileSuffix   = ".part"
	downloadDirPerm  = 0o755
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36"
)

// launchArgs は、自動操作の検出を避けるための Chromium 起動引数です。
var launchArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--no-sandbox",
	"--disable-dev-shm-usage",
}

// ErrClosed は、終了済みのセッションを操作した場合のエラーです。
var ErrClosed = errors.New("ブラウザセッションは既に終了しています")

// Options は、ブラウザセッションの設定です。
type Options struct {
	// Debug が true の場合、ブラウザを画面表示付きで起動し、操作を遅くします。
	Debug bool
	// BaseURL は、情報公開ページのURLです。空の場合は extract.DefaultBaseURL を使用します。
	BaseURL string
	// Timeout は、ページ遷移・要素待機・ダウンロード待機のタイムアウトです。
	Timeout time.Duration
	// UserAgent は、ブラウザコンテキストの User-Agent です。
	UserAgent string
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = extract.DefaultBaseURL
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	return o
}

// LaunchOptions は、Chromium の起動オプションを返します。
func LaunchOptions(o Options) playwright.BrowserTypeLaunchOptions {
	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(!o.Debug),
		Args:     append([]string(nil), launchArgs...),
	}
	if o.Debug {
		opts.SlowMo = playwright.Float(DebugSlowMo)
	}
	return opts
}

// ContextOptions は、ブラウザコンテキストのオプションを返します。
// セッションは情報公開ページのオリジンだけを巡回するため、証明書エラーの無視はそのオリジンに限られます。
func ContextOptions(o Options) playwright.BrowserNewContextOptions {
	o = o.withDefaults()
	return playwright.BrowserNewContextOptions{
		AcceptDownloads:   playwright.Bool(true),
		IgnoreHttpsErrors: playwright.Bool(true),
		UserAgent:         playwright.String(o.UserAgent),
	}
}

// SectionTableSelector は、見出しに続く最初の表を指すセレクターを返します。
func SectionTableSelector(heading string) string {
	return fmt.Sprintf(`xpath=//h2[normalize-space(.)=%q]/following::table[1]`, heading)
}

// YearRowSelector は、年度ラベルを含む行を指すセレクターを返します。
func YearRowSelector(year string) string {
	return fmt.Sprintf(`tr:has-text(%q)`, extract.NormalizeYear(year, yearLabelSuffix)+yearLabelSuffix)
}

// ----------------------------------------------------------------------
// Session
// ----------------------------------------------------------------------

// Session は、playwright のドライバ・ブラウザ・コンテキスト・ページを1つにまとめたスコープ付きのリソースです。
// Open で取得し、すべての経路で Close を呼び出してください。
type Session struct {
	opts    Options
	base    *url.URL
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
	closed  bool
}

// Open は、ドライバを起動してブラウザとページを開きます。
// 途中で失敗した場合は、それまでに取得したリソースを解放してからエラーを返します。
func Open(opts Options) (*Session, error) {
	opts = opts.withDefaults()
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("基準URLのパースエラー: %w", err)
	}

	s := &Session{opts: opts, base: base}
	if err := s.start(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) start() error {
	var err error
	if s.pw, err = playwright.Run(); err != nil {
		return fmt.Errorf("playwright ドライバの起動に失敗しました: %w", err)
	}
	if s.browser, err = s.pw.Chromium.Launch(LaunchOptions(s.opts)); err != nil {
		return fmt.Errorf("ブラウザの起動に失敗しました: %w", err)
	}
	if s.bctx, err = s.browser.NewContext(ContextOptions(s.opts)); err != nil {
		return fmt.Errorf("ブラウザコンテキストの作成に失敗しました: %w", err)
	}
	if s.page, err = s.bctx.NewPage(); err != nil {
		return fmt.Errorf("ページの作成に失敗しました: %w", err)
	}
	s.page.SetDefaultTimeout(s.timeoutMillis())
	return nil
}

// Close は、ページ・コンテキスト・ブラウザ・ドライバを取得と逆の順に解放します。
// 何度呼び出しても安全です。
func (s *Session) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.page != nil {
		if err := s.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ページのクローズに失敗しました: %w", err))
		}
	}
	if s.bctx != nil {
		if err := s.bctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("コンテキストのクローズに失敗しました: %w", err))
		}
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ブラウザのクローズに失敗しました: %w", err))
		}
	}
	if s.pw != nil {
		if err := s.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("playwright ドライバの停止に失敗しました: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) timeoutMillis() float64 {
	return float64(s.opts.Timeout.Milliseconds())
}

func (s *Session) ready() error {
	if s == nil || s.closed || s.page == nil {
		return ErrClosed
	}
	return nil
}

// OpenResults は、情報公開ページから取引結果ページへ遷移し、利用規約への同意を済ませ、
// 報告種別の見出しが表示されるまで待機します。
func (s *Session) OpenResults(ctx context.Context, kind types.ReportKind) error {
	if err := s.ready(); err != nil {
		return err
	}
	policy, ok := extract.DefaultPolicies[kind]
	if !ok {
		return fmt.Errorf("%w: %q", types.ErrUnknownReportKind, kind)
	}

	if _, err := s.page.Goto(s.base.String(), playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(s.timeoutMillis()),
	}); err != nil {
		return fmt.Errorf("情報公開ページへの遷移に失敗しました (URL: %s): %w", s.base, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.enterResults(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.acceptConsent(); err != nil {
		return err
	}

	heading := s.page.Locator("h2", playwright.PageLocatorOptions{HasText: policy.Heading}).First()
	if err := heading.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(s.timeoutMillis()),
	}); err != nil {
		return fmt.Errorf("%w: 見出し %q が表示されません: %v", extract.ErrSiteShapeChanged, policy.Heading, err)
	}
	return nil
}

// enterResults は「詳細はこちら」リンクをたどり、無ければ結果ページへ直接遷移します。
func (s *Session) enterResults() error {
	link := s.page.GetByRole(*playwright.AriaRoleLink, playwright.PageGetByRoleOptions{Name: detailLinkName})
	if n, err := link.Count(); err == nil && n > 0 {
		if err := link.First().Click(); err != nil {
			return fmt.Errorf("%q リンクのクリックに失敗しました: %w", detailLinkName, err)
		}
	} else {
		resultsURL := s.base.ResolveReference(&url.URL{Path: extract.ResultsPageName}).String()
		if _, err := s.page.Goto(resultsURL, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(s.timeoutMillis()),
		}); err != nil {
			return fmt.Errorf("取引結果ページへの遷移に失敗しました (URL: %s): %w", resultsURL, err)
		}
	}
	s.waitIdle()
	return nil
}

// acceptConsent は、同意チェックボックスがあればチェックして送信します。
func (s *Session) acceptConsent() error {
	check := s.page.Locator(consentCheckbox)
	n, err := check.Count()
	if err != nil || n == 0 {
		return nil
	}
	if err := check.First().Check(playwright.LocatorCheckOptions{Force: playwright.Bool(true)}); err != nil {
		// チェックボックスが装飾ラベルで覆われている場合はラベルをクリックする
		if err := s.page.Locator(consentLabel).First().Click(); err != nil {
			return fmt.Errorf("利用規約への同意に失敗しました: %w", err)
		}
	}

	submit := s.page.Locator(consentSubmit)
	if n, err := submit.Count(); err == nil && n > 0 {
		if err := submit.First().Click(); err != nil {
			return fmt.Errorf("同意フォームの送信に失敗しました: %w", err)
		}
		s.waitIdle()
	}
	return nil
}

// waitIdle は、ネットワークが落ち着くまで待機します。タイムアウトは無視します。
func (s *Session) waitIdle() {
	_ = s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(s.timeoutMillis()),
	})
}

// Content は、描画後のページHTMLを返します。
func (s *Session) Content() ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	html, err := s.page.Content()
	if err != nil {
		return nil, fmt.Errorf("ページ内容の取得に失敗しました: %w", err)
	}
	return []byte(html), nil
}

// Links は、描画後のページから年度・報告種別に一致するリンクを抽出します。
// 見出しや表が見つからない場合は警告を記録し、空の結果を返します。
func (s *Session) Links(q types.Query) ([]types.ResultLink, error) {
	markup, err := s.Content()
	if err != nil {
		return nil, err
	}
	return linksFromMarkup(markup, s.pageBase(), q)
}

func linksFromMarkup(markup []byte, base *url.URL, q types.Query) ([]types.ResultLink, error) {
	ex, err := extract.NewExtractor(noFetch{}, extract.WithBaseURL(base))
	if err != nil {
		return nil, err
	}
	x, err := ex.Extract(markup, q)
	if err != nil {
		return nil, err
	}
	if shapeErr := x.ShapeErr(); shapeErr != nil {
		log.Printf("警告: %v (URL: %s)", shapeErr, base)
	}
	return x.Links, nil
}

// DownloadYear は、年度行の各 .zip リンクをクリックしてダウンロードし、outDir に保存します。
// 1件ごとの結果は handle に渡します。保存先が既に存在し overwrite が false の場合はクリックしません。
func (s *Session) DownloadYear(ctx context.Context, q types.Query, outDir string, overwrite bool, handle func(types.Outcome)) error {
	if err := s.ready(); err != nil {
		return err
	}
	policy, ok := extract.DefaultPolicies[q.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", types.ErrUnknownReportKind, q.Kind)
	}

	anchors := s.page.Locator(SectionTableSelector(policy.Heading)).
		Locator(YearRowSelector(q.FiscalYear)).
		Locator(zipAnchor)
	n, err := anchors.Count()
	if err != nil {
		return fmt.Errorf("ダウンロードリンクの列挙に失敗しました: %w", err)
	}
	if err := os.MkdirAll(outDir, downloadDirPerm); err != nil {
		return fmt.Errorf("保存先ディレクトリの作成に失敗しました (%s): %w", outDir, err)
	}

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		handle(s.downloadOne(anchors.Nth(i), outDir, overwrite))
	}
	return nil
}

func (s *Session) downloadOne(anchor playwright.Locator, outDir string, overwrite bool) types.Outcome {
	href, err := anchor.GetAttribute("href")
	if err != nil {
		return types.Failed(types.ReasonBrowser, "", "", fmt.Errorf("href の取得に失敗しました: %w", err))
	}
	abs := s.resolve(href)

	// 既存ファイルの判定はクリック前にリンク先のファイル名で行う
	if name, err := download.FileNameFromURL(abs); err == nil {
		dest := filepath.Join(outDir, name)
		if _, statErr := os.Stat(dest); statErr == nil && !overwrite {
			return types.Skipped(types.ReasonExists, abs, dest)
		}
	}

	dl, err := s.page.ExpectDownload(func() error {
		return anchor.Click()
	}, playwright.PageExpectDownloadOptions{Timeout: playwright.Float(s.timeoutMillis())})
	if err != nil {
		return types.Failed(types.ReasonBrowser, abs, "", fmt.Errorf("ダウンロードの開始に失敗しました: %w", err))
	}

	name := filepath.Base(strings.TrimSpace(dl.SuggestedFilename()))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name, err = download.FileNameFromURL(abs)
		if err != nil {
			_ = dl.Delete()
			return types.Failed(types.ReasonBrowser, abs, "", err)
		}
	}
	dest := filepath.Join(outDir, name)
	if _, statErr := os.Stat(dest); statErr == nil && !overwrite {
		_ = dl.Delete()
		return types.Skipped(types.ReasonExists, abs, dest)
	}

	part := dest + partFileSuffix
	if err := dl.SaveAs(part); err != nil {
		_ = os.Remove(part)
		return types.Failed(types.ReasonBrowser, abs, dest, fmt.Errorf("ダウンロードの保存に失敗しました: %w", err))
	}
	info, err := os.Stat(part)
	if err != nil {
		_ = os.Remove(part)
		return types.Failed(types.ReasonWrite, abs, dest, err)
	}
	if info.Size() < download.MinArchiveSize {
		_ = os.Remove(part)
		return types.Failed(types.ReasonTooSmall, abs, dest, fmt.Errorf("%w (%dバイト)", download.ErrTooSmall, info.Size()))
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return types.Failed(types.ReasonWrite, abs, dest, fmt.Errorf("保存先へのリネームに失敗しました: %w", err))
	}
	return types.Succeeded(abs, dest)
}

// pageBase は、現在のページURLを基準URLとして返します。取得できない場合は設定値を返します。
func (s *Session) pageBase() *url.URL {
	if s.page != nil {
		if u, err := url.Parse(s.page.URL()); err == nil && u.Scheme != "" {
			return u
		}
	}
	return s.base
}

func (s *Session) resolve(href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return s.pageBase().ResolveReference(ref).String()
}

// noFetch は、描画済みマークアップの解析だけを行う Extractor 用のダミーです。
type noFetch struct{}

func (noFetch) FetchBytes(context.Context, string) ([]byte, error) {
	return nil, errors.New("ブラウザセッションではページを直接取得しません")
}
