package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	clibase "github.com/shouni/go-cli-base"
	"github.com/spf13/cobra"

	"github.com/shouni/eprx-results/internal/pipeline"
	"github.com/shouni/eprx-results/pkg/browser"
	"github.com/shouni/eprx-results/pkg/download"
	"github.com/shouni/eprx-results/pkg/textenc"
	"github.com/shouni/eprx-results/pkg/types"
)

// queryFlags は、年度と報告種別の指定に関するフラグです。
type queryFlags struct {
	Report   string
	AllYears bool
	Browser  bool
	Debug    bool
}

// processFlags は、展開と文字コード変換に関するフラグです。
type processFlags struct {
	KeepArchives bool
	NoConvert    bool
	From         string
	To           string
}

var qFlags queryFlags
var pFlags processFlags

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&qFlags.Report, "report", "r", string(types.ReportFinal), "報告種別 (final: 確報値, prompt: 速報値)")
	cmd.Flags().BoolVar(&qFlags.AllYears, "all-years", false, "年度で絞り込まず、表のすべての行を対象にする")
	cmd.Flags().BoolVarP(&qFlags.Browser, "browser", "b", false, "ヘッドレスブラウザでページを操作して取得する")
	cmd.Flags().BoolVar(&qFlags.Debug, "debug", false, "ブラウザを画面表示付きで起動する (--browser と併用)")
}

func addProcessFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&pFlags.KeepArchives, "keep-archives", false, "展開後もZIPアーカイブを削除しない")
	cmd.Flags().BoolVar(&pFlags.NoConvert, "no-convert", false, "CSVの文字コード変換を行わない")
	cmd.Flags().StringVar(&pFlags.From, "from", textenc.DefaultFrom, "変換元の文字コード")
	cmd.Flags().StringVar(&pFlags.To, "to", textenc.DefaultTo, "変換先の文字コード")
}

// buildQuery は、引数とフラグから取得条件を組み立てます。ネットワークには触れません。
func buildQuery(args []string) (types.Query, error) {
	kind, err := types.ParseReportKind(qFlags.Report)
	if err != nil {
		return types.Query{}, fmt.Errorf("--report の値が不正です: %w", err)
	}
	if qFlags.AllYears {
		if len(args) > 0 {
			return types.Query{}, fmt.Errorf("--all-years と年度の引数は同時に指定できません")
		}
		return types.Query{Kind: kind}, nil
	}
	year, err := resolveFiscalYear(args, nowFunc())
	if err != nil {
		return types.Query{}, err
	}
	return types.Query{FiscalYear: year, Kind: kind}, nil
}

// newProcessor は、フラグから展開・変換の設定を組み立てます。
// 変換元・変換先の文字コードはここで検証します。
func newProcessor() (pipeline.Processor, error) {
	if !pFlags.NoConvert {
		if _, err := textenc.NewCodec(pFlags.From, pFlags.To); err != nil {
			return pipeline.Processor{}, err
		}
	}
	return pipeline.Processor{
		KeepArchives: pFlags.KeepArchives,
		SkipConvert:  pFlags.NoConvert,
		From:         pFlags.From,
		To:           pFlags.To,
		Verbose:      clibase.Flags.Verbose,
	}, nil
}

// newSource は、--browser の指定に応じて取得経路を選びます。
func newSource(overwrite bool) (pipeline.Source, error) {
	if qFlags.Browser {
		opts := browser.Options{
			Debug:   qFlags.Debug,
			BaseURL: globalExtractor.BaseURL().String(),
			Timeout: requestTimeout(),
		}
		return &pipeline.BrowserSource{
			Open: func() (pipeline.Navigator, error) {
				s, err := browser.Open(opts)
				if err != nil {
					return nil, err
				}
				return s, nil
			},
			Overwrite: overwrite,
		}, nil
	}

	fetcher, err := download.New(globalClient)
	if err != nil {
		return nil, fmt.Errorf("ダウンローダーの初期化エラー: %w", err)
	}
	return &pipeline.DirectSource{
		Finder:     globalExtractor,
		Downloader: fetcher,
		PageURL:    globalExtractor.ResultsPageURL(),
		Overwrite:  overwrite,
	}, nil
}

// signalContext は、割り込みシグナルでキャンセルされるコンテキストを返します。
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// printSummary は、集計結果を標準出力に表示します。
func printSummary(sum types.Summary) {
	mark := "✅"
	if sum.Failed > 0 {
		mark = "⚠️"
	}
	fmt.Printf("%s %s\n", mark, pipeline.FormatSummary(sum))
}
