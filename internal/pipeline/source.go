package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shouni/eprx-results/pkg/extract"
	"github.com/shouni/eprx-results/pkg/types"
)

// ErrSetup は、実行環境の準備 (ブラウザドライバの起動など) に失敗した致命的なエラーです。
// これ以外の取得エラーは1件の失敗として集計され、処理は継続します。
var ErrSetup = errors.New("実行環境の準備に失敗しました")

// Source は、アーカイブを outDir に取得し、1件ごとの結果を handle に渡します。
// 直接HTTP取得とブラウザ操作の2つの経路は、このインターフェースで同じ後続処理に合流します。
type Source interface {
	Acquire(ctx context.Context, q types.Query, outDir string, handle func(types.Outcome)) error
}

// ----------------------------------------------------------------------
// DirectSource
// ----------------------------------------------------------------------

// LinkFinder は、結果ページを取得してリンクを抽出する機能です。*extract.Extractor が満たします。
type LinkFinder interface {
	FetchAndExtract(ctx context.Context, pageURL string, q types.Query) (*extract.Extraction, error)
}

// Downloader は、リンクを順にダウンロードする機能です。*download.Fetcher が満たします。
type Downloader interface {
	FetchAll(ctx context.Context, links []types.ResultLink, outDir string, overwrite bool, handle func(types.Outcome)) error
}

// DirectSource は、結果ページをHTTPで取得し、抽出したリンクを直接ダウンロードします。
type DirectSource struct {
	Finder     LinkFinder
	Downloader Downloader
	PageURL    string
	Overwrite  bool
}

// Acquire は Source を満たします。
func (s *DirectSource) Acquire(ctx context.Context, q types.Query, outDir string, handle func(types.Outcome)) error {
	x, err := s.Finder.FetchAndExtract(ctx, s.PageURL, q)
	if err != nil {
		return err
	}
	if shapeErr := x.ShapeErr(); shapeErr != nil {
		log.Printf("警告: %v (URL: %s)", shapeErr, s.PageURL)
	}
	log.Printf("%s年度 (%s) のリンクを %d 件検出しました。", displayYear(q.FiscalYear), q.Kind, len(x.Links))
	if len(x.Links) == 0 {
		return nil
	}
	return s.Downloader.FetchAll(ctx, x.Links, outDir, s.Overwrite, handle)
}

// ----------------------------------------------------------------------
// BrowserSource
// ----------------------------------------------------------------------

// Navigator は、ブラウザで結果ページを操作する機能です。*browser.Session が満たします。
type Navigator interface {
	OpenResults(ctx context.Context, kind types.ReportKind) error
	DownloadYear(ctx context.Context, q types.Query, outDir string, overwrite bool, handle func(types.Outcome)) error
	Close() error
}

// BrowserSource は、ブラウザを操作して年度行のアーカイブをダウンロードします。
// セッションは Acquire の中で開始され、すべての経路で終了します。
type BrowserSource struct {
	Open      func() (Navigator, error)
	Overwrite bool
}

// Acquire は Source を満たします。
func (s *BrowserSource) Acquire(ctx context.Context, q types.Query, outDir string, handle func(types.Outcome)) error {
	nav, err := s.Open()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	defer func() {
		if closeErr := nav.Close(); closeErr != nil {
			log.Printf("ブラウザセッションの終了時にエラーが発生しました: %v", closeErr)
		}
	}()

	if err := nav.OpenResults(ctx, q.Kind); err != nil {
		if errors.Is(err, extract.ErrSiteShapeChanged) {
			log.Printf("警告: %v", err)
			return nil
		}
		return fmt.Errorf("結果ページへの遷移に失敗しました: %w", err)
	}
	return nav.DownloadYear(ctx, q, outDir, s.Overwrite, handle)
}

func displayYear(year string) string {
	if year == "" {
		return "全"
	}
	return year
}
