package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/shouni/eprx-results/pkg/browser"
	"github.com/shouni/eprx-results/pkg/extract"
	"github.com/shouni/eprx-results/pkg/types"
)

// linksCmd は、ダウンロードせずに抽出したリンクだけを表示するコマンドです。
var linksCmd = &cobra.Command{
	Use:   "links [YEAR]",
	Short: "指定年度のアーカイブリンクを表示します (ダウンロードはしません)",
	Long:  `結果ページから指定年度の ZIP アーカイブのリンクを抽出し、年度・ラベル・URL をタブ区切りで表示します。`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := buildQuery(args)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout())
		defer cancel()

		var links []types.ResultLink
		if qFlags.Browser {
			links, err = browserLinks(ctx, q)
		} else {
			links, err = directLinks(ctx, q)
		}
		if err != nil {
			return fmt.Errorf("❌ リンクの抽出に失敗しました: %w", err)
		}

		if len(links) == 0 {
			fmt.Printf("リンクは見つかりませんでした (年度: %s, 種別: %s)\n", displayQueryYear(q), q.Kind)
			return nil
		}
		for _, l := range links {
			fmt.Printf("%s\t%s\t%s\n", l.FiscalYear, l.ProductLabel, l.URL)
		}
		fmt.Printf("✅ %d 件のリンクを検出しました。\n", len(links))
		return nil
	},
}

func directLinks(ctx context.Context, q types.Query) ([]types.ResultLink, error) {
	pageURL := globalExtractor.ResultsPageURL()
	x, err := globalExtractor.FetchAndExtract(ctx, pageURL, q)
	if err != nil {
		return nil, err
	}
	if shapeErr := x.ShapeErr(); shapeErr != nil {
		log.Printf("警告: %v (URL: %s)", shapeErr, pageURL)
	}
	return x.Links, nil
}

func browserLinks(ctx context.Context, q types.Query) ([]types.ResultLink, error) {
	s, err := browser.Open(browser.Options{
		Debug:   qFlags.Debug,
		BaseURL: globalExtractor.BaseURL().String(),
		Timeout: requestTimeout(),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			log.Printf("ブラウザセッションの終了時にエラーが発生しました: %v", closeErr)
		}
	}()

	if err := s.OpenResults(ctx, q.Kind); err != nil {
		if errors.Is(err, extract.ErrSiteShapeChanged) {
			log.Printf("警告: %v", err)
			return nil, nil
		}
		return nil, err
	}
	return s.Links(q)
}

func displayQueryYear(q types.Query) string {
	if q.FiscalYear == "" {
		return "全年度"
	}
	return q.FiscalYear
}

func init() {
	addQueryFlags(linksCmd)
}
