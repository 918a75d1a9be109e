package cmd

import (
	"context"
	"fmt"
	"log"

	clibase "github.com/shouni/go-cli-base"
	"github.com/spf13/cobra"

	"github.com/shouni/eprx-results/internal/pipeline"
)

// noOverwrite は、既存のアーカイブを再ダウンロードしない場合に true です。
var noOverwrite bool

// resultsCmd は、指定年度のアーカイブを取得し、展開と文字コード変換まで行うコマンドです。
var resultsCmd = &cobra.Command{
	Use:   "results [YEAR]",
	Short: "指定年度の取引結果アーカイブを取得・展開・変換します",
	Long: `EPRX の取引結果ページから指定年度 (省略時は現在の年度) の ZIP アーカイブを取得します。
取得したアーカイブは出力ディレクトリに展開され、CSV は UTF-8 に変換されます。
1件の失敗で処理は止まらず、最後に集計を表示します。`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := buildQuery(args)
		if err != nil {
			return err
		}
		proc, err := newProcessor()
		if err != nil {
			return err
		}
		src, err := newSource(!noOverwrite)
		if err != nil {
			return err
		}

		ctx, stop := signalContext(context.Background())
		defer stop()

		if clibase.Flags.Verbose {
			log.Printf("取得を開始します (年度: %s, 種別: %s, 出力先: %s, ブラウザ: %t)",
				q.FiscalYear, q.Kind, Flags.OutDir, qFlags.Browser)
		}

		sum, err := pipeline.Run(ctx, pipeline.Config{
			Query:     q,
			OutDir:    Flags.OutDir,
			Source:    src,
			Processor: proc,
			Verbose:   clibase.Flags.Verbose,
		})
		printSummary(sum)
		if err != nil {
			return fmt.Errorf("❌ 処理を完了できませんでした: %w", err)
		}
		return nil
	},
}

func init() {
	addQueryFlags(resultsCmd)
	addProcessFlags(resultsCmd)
	resultsCmd.Flags().BoolVar(&noOverwrite, "no-overwrite", false, "既存のアーカイブを再ダウンロードしない")
}
