package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/shouni/eprx-results/pkg/archive"
	"github.com/shouni/eprx-results/pkg/types"
)

// Config は、1回の実行の設定です。
type Config struct {
	Query     types.Query
	OutDir    string
	Source    Source
	Processor Processor
	Verbose   bool
}

// Run は、Source からアーカイブを取得し、取得できたものから順に展開・変換します。
// エラーを返すのは致命的な準備の失敗だけで、1件ごとの失敗は Summary に集計されます。
func Run(ctx context.Context, cfg Config) (types.Summary, error) {
	var sum types.Summary
	if cfg.Source == nil {
		return sum, fmt.Errorf("%w: Source が設定されていません", ErrSetup)
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return sum, fmt.Errorf("%w: 出力ディレクトリを作成できません (%s): %v", ErrSetup, cfg.OutDir, err)
	}

	handle := func(o types.Outcome) {
		sum.LinksFound++
		sum.Add(o)

		switch o.Status {
		case types.StatusSuccess:
			log.Printf("ダウンロードしました: %s", o.Path)
			if isArchive(o.Path) {
				cfg.Processor.Process(o.Path, &sum)
			}
		case types.StatusSkipped:
			log.Printf("既存のためスキップしました: %s", o.Path)
			if pendingArchive(o.Path) {
				cfg.Processor.Process(o.Path, &sum)
			}
		case types.StatusFailed:
			log.Printf("ダウンロードに失敗しました: %s", o)
		}
	}

	if err := cfg.Source.Acquire(ctx, cfg.Query, cfg.OutDir, handle); err != nil {
		if errors.Is(err, ErrSetup) {
			return sum, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Printf("処理を中断しました: %v", err)
			return sum, err
		}
		sum.Failed++
		log.Printf("アーカイブの取得に失敗しました: %v", err)
	}

	if cfg.Verbose {
		log.Printf("集計: %s", FormatSummary(sum))
	}
	return sum, nil
}

// FormatSummary は、集計結果を1行の文字列にします。
func FormatSummary(s types.Summary) string {
	return fmt.Sprintf("リンク %d 件 / ダウンロード %d 件 / スキップ %d 件 / 失敗 %d 件 / 展開 %d 件 / 変換 %d 件",
		s.LinksFound, s.Downloaded, s.Skipped, s.Failed, s.Extracted, s.Converted)
}

func isArchive(path string) bool {
	return strings.EqualFold(filepath.Ext(path), archive.Ext)
}
