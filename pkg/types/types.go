package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownReportKind は、未知の報告種別が指定された場合のエラーです。
var ErrUnknownReportKind = errors.New("未知の報告種別です (final または prompt を指定してください)")

// ReportKind は、取引結果の公表種別 (確報値 / 速報値) を表します。
type ReportKind string

const (
	// ReportFinal は確報値です。
	ReportFinal ReportKind = "final"
	// ReportPrompt は速報値です。
	ReportPrompt ReportKind = "prompt"
)

// ParseReportKind は、文字列を ReportKind に変換します。大文字小文字は区別しません。
func ParseReportKind(s string) (ReportKind, error) {
	switch ReportKind(strings.ToLower(strings.TrimSpace(s))) {
	case ReportFinal:
		return ReportFinal, nil
	case ReportPrompt:
		return ReportPrompt, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownReportKind, s)
}

// String は fmt.Stringer を満たします。
func (k ReportKind) String() string {
	return string(k)
}

// Query は、取得対象の年度と報告種別の組です。FiscalYear が空の場合は全年度が対象です。
type Query struct {
	FiscalYear string
	Kind       ReportKind
}

// ResultLink は、結果ページから抽出された1件のアーカイブリンクです。
type ResultLink struct {
	FiscalYear   string // 行の年度ラベル (「年度」を除いたもの)
	ProductLabel string // アンカーのテキスト (任意)
	URL          string // 絶対URL
}

// DownloadTarget は、1件のダウンロード要求を表します。
type DownloadTarget struct {
	URL         string
	Destination string
	Overwrite   bool
}

// TextAsset は、文字コード変換の対象となる展開済みファイルです。
type TextAsset struct {
	Path string
	From string
	To   string
}

// Status は、単位処理の結果区分です。
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Reason は、スキップまたは失敗の理由を機械可読な形で表します。
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonExists         Reason = "exists"
	ReasonHTTPStatus     Reason = "http_status"
	ReasonTooSmall       Reason = "too_small"
	ReasonTransport      Reason = "transport"
	ReasonWrite          Reason = "write"
	ReasonCorruptArchive Reason = "corrupt_archive"
	ReasonEncoding       Reason = "encoding"
	ReasonAlreadyUTF8    Reason = "already_utf8"
	ReasonBrowser        Reason = "browser"
)

// Outcome は、ダウンロード・展開・変換といった単位処理1件の結果を保持します。
type Outcome struct {
	Status Status
	Reason Reason
	URL    string // 取得元 (ある場合)
	Path   string // 対象または生成されたファイルのパス
	Err    error  // 失敗時のエラー
}

// OK は、処理が成功したかどうかを返します。
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// String は、ログ出力用の短い表現を返します。
func (o Outcome) String() string {
	target := o.Path
	if target == "" {
		target = o.URL
	}
	switch o.Status {
	case StatusFailed:
		return fmt.Sprintf("[%s:%s] %s: %v", o.Status, o.Reason, target, o.Err)
	case StatusSkipped:
		return fmt.Sprintf("[%s:%s] %s", o.Status, o.Reason, target)
	}
	return fmt.Sprintf("[%s] %s", o.Status, target)
}

// Succeeded は成功の Outcome を生成します。
func Succeeded(url, path string) Outcome {
	return Outcome{Status: StatusSuccess, URL: url, Path: path}
}

// Skipped はスキップの Outcome を生成します。
func Skipped(reason Reason, url, path string) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason, URL: url, Path: path}
}

// Failed は失敗の Outcome を生成します。
func Failed(reason Reason, url, path string, err error) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason, URL: url, Path: path, Err: err}
}

// Summary は、1回の実行で処理した件数の集計です。
type Summary struct {
	LinksFound int
	Downloaded int
	Skipped    int
	Failed     int
	Extracted  int
	Converted  int
}

// Add は Outcome を集計に加えます。ダウンロード段階の結果を想定しています。
func (s *Summary) Add(o Outcome) {
	switch o.Status {
	case StatusSuccess:
		s.Downloaded++
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
}
