package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	textUtils "github.com/shouni/go-utils/text"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/width"

	"github.com/shouni/eprx-results/pkg/types"
)

// ----------------------------------------------------------------------
// 定数定義
// ----------------------------------------------------------------------

const (
	// DefaultBaseURL は、リンク解決の基準となるEPRX情報公開ページのURLです。
	DefaultBaseURL = "https://www.eprx.or.jp/information/"
	// ResultsPageName は、取引結果ページのファイル名です。
	ResultsPageName = "results.php"

	headingSelector = "h2"
	anchorSelector  = "a[href]"
)

// ErrSiteShapeChanged は、期待する見出しまたは表がページ上に見つからない場合のエラーです。
// 「今年度のデータがまだない」場合と区別するために利用します。
var ErrSiteShapeChanged = errors.New("結果ページの構造が想定と異なります (サイト構造が変更された可能性があります)")

// ----------------------------------------------------------------------
// 抽出ポリシー
// ----------------------------------------------------------------------

// Policy は、報告種別ごとに「どの見出し・どの行キー・どのフォールバック」を使うかを定義します。
// サイトの文言や構造が変わった場合は、この表だけを更新します。
type Policy struct {
	Heading          string // 対象セクションの h2 見出し (完全一致)
	RowKeySelector   string // 行の年度セルのセレクター
	FallbackSelector string // RowKeySelector が無い行で年度セルとみなす候補
	YearSuffix       string // 年度セルから取り除く単位
}

// DefaultPolicies は、EPRXの取引結果ページに対する既定のポリシー表です。
var DefaultPolicies = map[types.ReportKind]Policy{
	types.ReportFinal: {
		Heading:          "取引結果・連系線確保量結果ダウンロード（確報値）",
		RowKeySelector:   `th[scope="row"]`,
		FallbackSelector: "th, td",
		YearSuffix:       "年度",
	},
	types.ReportPrompt: {
		Heading:          "取引結果・連系線確保量結果ダウンロード（速報値）",
		RowKeySelector:   `th[scope="row"]`,
		FallbackSelector: "th, td",
		YearSuffix:       "年度",
	},
}

// ----------------------------------------------------------------------
// Extractor
// ----------------------------------------------------------------------

// Extractor は、結果ページのマークアップからアーカイブリンクを抽出します。
type Extractor struct {
	fetcher  Fetcher
	baseURL  *url.URL
	policies map[types.ReportKind]Policy
}

// Option は Extractor の設定を行うための関数型です。
type Option func(*Extractor)

// WithBaseURL は、リンク解決の基準URLを設定します。
func WithBaseURL(base *url.URL) Option {
	return func(e *Extractor) {
		if base != nil {
			e.baseURL = base
		}
	}
}

// WithPolicies は、既定のポリシー表を差し替えます。
func WithPolicies(policies map[types.ReportKind]Policy) Option {
	return func(e *Extractor) {
		if len(policies) > 0 {
			e.policies = policies
		}
	}
}

// NewExtractor は、新しいExtractorのインスタンスを生成します。
func NewExtractor(fetcher Fetcher, options ...Option) (*Extractor, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("extract.NewExtractor: Fetcher cannot be nil")
	}
	base, err := url.Parse(DefaultBaseURL)
	if err != nil {
		return nil, fmt.Errorf("基準URLのパースエラー: %w", err)
	}
	e := &Extractor{
		fetcher:  fetcher,
		baseURL:  base,
		policies: DefaultPolicies,
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// BaseURL は、リンク解決に使用する基準URLを返します。
func (e *Extractor) BaseURL() *url.URL {
	return e.baseURL
}

// ResultsPageURL は、取引結果ページの絶対URLを返します。
func (e *Extractor) ResultsPageURL() string {
	return e.baseURL.ResolveReference(&url.URL{Path: ResultsPageName}).String()
}

// Extraction は、1回の抽出結果と、ページ構造に関する診断情報を保持します。
type Extraction struct {
	Links        []types.ResultLink
	SectionFound bool // 見出しが見つかったか
	TableFound   bool // 見出しに続く表が見つかったか
	RowsMatched  int  // 年度条件に一致した行数
}

// ShapeErr は、見出しまたは表が見つからなかった場合に ErrSiteShapeChanged を返します。
func (x *Extraction) ShapeErr() error {
	if x == nil {
		return nil
	}
	if !x.SectionFound {
		return fmt.Errorf("%w: 見出しが見つかりません", ErrSiteShapeChanged)
	}
	if !x.TableFound {
		return fmt.Errorf("%w: 見出しに続く表が見つかりません", ErrSiteShapeChanged)
	}
	return nil
}

// FetchAndExtract は結果ページを取得し、指定された年度・報告種別のリンクを抽出します。
func (e *Extractor) FetchAndExtract(ctx context.Context, pageURL string, q types.Query) (*Extraction, error) {
	markup, err := e.fetcher.FetchBytes(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("結果ページの取得に失敗しました (URL: %s): %w", pageURL, err)
	}
	return e.Extract(markup, q)
}

// ExtractLinks は、マークアップから対象のリンクを文書順に返します。
// 見出しや表が見つからない場合も含め、エラーにはならず空のスライスを返します。
func (e *Extractor) ExtractLinks(markup []byte, year string, kind types.ReportKind) []types.ResultLink {
	x, err := e.Extract(markup, types.Query{FiscalYear: year, Kind: kind})
	if err != nil || x == nil {
		return []types.ResultLink{}
	}
	return x.Links
}

// Extract は、マークアップを解析し、診断情報付きで抽出結果を返します。
// エラーになるのは、報告種別が未知の場合とHTMLを読み込めない場合のみです。
func (e *Extractor) Extract(markup []byte, q types.Query) (*Extraction, error) {
	policy, ok := e.policies[q.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownReportKind, q.Kind)
	}

	reader, err := utf8Reader(markup)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return nil, fmt.Errorf("HTML解析に失敗しました: %w", err)
	}

	x := &Extraction{Links: []types.ResultLink{}}
	table := findSectionTable(doc, policy.Heading, x)
	if table == nil {
		return x, nil
	}

	wantYear := NormalizeYear(q.FiscalYear, policy.YearSuffix)
	seen := make(map[string]struct{})

	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		rowYear, hasKey := rowYearKey(row, policy)
		if wantYear != "" && (!hasKey || rowYear != wantYear) {
			return
		}
		x.RowsMatched++

		row.Find(anchorSelector).Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			href = strings.TrimSpace(href)
			if href == "" {
				return
			}
			abs, err := e.resolve(href)
			if err != nil {
				return
			}
			if _, dup := seen[abs]; dup {
				return
			}
			seen[abs] = struct{}{}
			x.Links = append(x.Links, types.ResultLink{
				FiscalYear:   rowYear,
				ProductLabel: textUtils.NormalizeText(a.Text()),
				URL:          abs,
			})
		})
	})

	return x, nil
}

// ArchiveURL は、カテゴリ名と日付から `{category}_{YYYYMMDD}.zip` 形式のアーカイブURLを組み立てます。
// 日付中の "/" は取り除かれます。
func (e *Extractor) ArchiveURL(category, date string) (string, error) {
	category = strings.TrimSpace(category)
	date = strings.ReplaceAll(strings.TrimSpace(date), "/", "")
	if category == "" || date == "" {
		return "", fmt.Errorf("カテゴリと日付の両方を指定してください (category=%q, date=%q)", category, date)
	}
	results, err := url.Parse(e.ResultsPageURL())
	if err != nil {
		return "", fmt.Errorf("結果ページURLのパースエラー: %w", err)
	}
	ref, err := url.Parse("./" + url.PathEscape(category) + "_" + url.PathEscape(date) + ".zip")
	if err != nil {
		return "", fmt.Errorf("アーカイブ名のパースエラー: %w", err)
	}
	return results.ResolveReference(ref).String(), nil
}

// NormalizeYear は、年度ラベルを比較用に正規化します (全角数字を半角化し、空白と単位を除去)。
func NormalizeYear(label, suffix string) string {
	s := width.Narrow.String(textUtils.NormalizeText(label))
	s = strings.ReplaceAll(s, " ", "")
	if suffix != "" {
		s = strings.TrimSuffix(s, suffix)
	}
	return s
}

// ----------------------------------------------------------------------
// ヘルパー関数
// ----------------------------------------------------------------------

// findSectionTable は、見出しが完全一致する h2 の後ろに文書順で最初に現れる table を返します。
func findSectionTable(doc *goquery.Document, heading string, x *Extraction) *goquery.Selection {
	var table *goquery.Selection
	doc.Find(headingSelector + ", table").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !x.SectionFound {
			if s.Is(headingSelector) && textUtils.NormalizeText(s.Text()) == heading {
				x.SectionFound = true
			}
			return true
		}
		if s.Is("table") {
			table = s
			x.TableFound = true
			return false
		}
		return true
	})
	return table
}

// rowYearKey は、行の年度キーを返します。年度を示すセルが無い場合は false を返します。
func rowYearKey(row *goquery.Selection, policy Policy) (string, bool) {
	cell := row.Find(policy.RowKeySelector).First()
	if cell.Length() > 0 {
		return NormalizeYear(cell.Text(), policy.YearSuffix), true
	}

	// フォールバック: 先頭セルが単位付きの年度表記の場合のみ年度キーとみなす
	cell = row.Find(policy.FallbackSelector).First()
	if cell.Length() == 0 {
		return "", false
	}
	raw := width.Narrow.String(textUtils.NormalizeText(cell.Text()))
	if policy.YearSuffix == "" || !strings.HasSuffix(raw, policy.YearSuffix) {
		return "", false
	}
	return NormalizeYear(raw, policy.YearSuffix), true
}

// resolve は、href を基準URLに対する絶対URLに変換します。
func (e *Extractor) resolve(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("リンクのパースエラー (href: %s): %w", href, err)
	}
	return e.baseURL.ResolveReference(ref).String(), nil
}

// utf8Reader は、UTF-8 として妥当でないマークアップを meta 宣言に従って UTF-8 に変換します。
func utf8Reader(markup []byte) (io.Reader, error) {
	if utf8.Valid(markup) {
		return bytes.NewReader(markup), nil
	}
	r, err := charset.NewReader(bytes.NewReader(markup), "")
	if err != nil {
		return nil, fmt.Errorf("文字コードの判定に失敗しました: %w", err)
	}
	return r, nil
}
