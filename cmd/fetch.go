package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shouni/eprx-results/pkg/archive"
	"github.com/shouni/eprx-results/pkg/download"
	"github.com/shouni/eprx-results/pkg/types"
)

// fetchCmd は、カテゴリ名と日付から1件のアーカイブを直接ダウンロードするコマンドです。
var fetchCmd = &cobra.Command{
	Use:   "fetch CATEGORY DATE",
	Short: "カテゴリ名と日付を指定して1件のアーカイブを取得します",
	Long: `結果ページと同じ階層にある {CATEGORY}_{YYYYMMDD}.zip を直接ダウンロードし、展開と変換を行います。
DATE 中の "/" は取り除かれます (例: 2024/04/01)。`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		archiveURL, err := globalExtractor.ArchiveURL(args[0], args[1])
		if err != nil {
			return err
		}
		proc, err := newProcessor()
		if err != nil {
			return err
		}
		fetcher, err := download.New(globalClient)
		if err != nil {
			return fmt.Errorf("ダウンローダーの初期化エラー: %w", err)
		}
		name, err := download.FileNameFromURL(archiveURL)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(Flags.OutDir, 0o755); err != nil {
			return fmt.Errorf("出力ディレクトリを作成できません (%s): %w", Flags.OutDir, err)
		}

		ctx, stop := signalContext(context.Background())
		defer stop()

		out := fetcher.Fetch(ctx, types.DownloadTarget{
			URL:         archiveURL,
			Destination: filepath.Join(Flags.OutDir, name),
			Overwrite:   !noOverwrite,
		})

		var sum types.Summary
		sum.LinksFound = 1
		sum.Add(out)
		switch out.Status {
		case types.StatusFailed:
			fmt.Printf("❌ ダウンロードに失敗しました: %s\n", out)
		case types.StatusSkipped:
			fmt.Printf("既存のためスキップしました: %s\n", out.Path)
		default:
			fmt.Printf("✅ ダウンロードしました: %s\n", out.Path)
		}
		if shouldProcess(out) {
			proc.Process(out.Path, &sum)
		}
		printSummary(sum)
		return nil
	},
}

// shouldProcess は、取得結果のアーカイブを展開すべきかを返します。
// 既存のためスキップしたものは、展開先がまだ無い場合だけ対象にします。
func shouldProcess(out types.Outcome) bool {
	switch out.Status {
	case types.StatusSuccess:
		return true
	case types.StatusSkipped:
		if _, err := os.Stat(archive.DestDir(out.Path)); err == nil {
			return false
		}
		_, err := os.Stat(out.Path)
		return err == nil
	default:
		return false
	}
}

func init() {
	addProcessFlags(fetchCmd)
	fetchCmd.Flags().BoolVar(&noOverwrite, "no-overwrite", false, "既存のアーカイブを再ダウンロードしない")
}
