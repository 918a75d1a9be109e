package cmd

import (
	"fmt"
	"log"
	"time"

	clibase "github.com/shouni/go-cli-base"
	"github.com/spf13/cobra"

	"github.com/shouni/eprx-results/pkg/extract"
	"github.com/shouni/eprx-results/pkg/httpclient"
)

// --- グローバル定数 ---

const (
	appName           = "eprx-results"
	defaultTimeoutSec = 60 // 秒
	defaultOutDir     = "zip"
)

// --- グローバル変数とフラグ構造体 ---

// AppFlags はこのアプリケーション固有の永続フラグを保持
type AppFlags struct {
	TimeoutSec int    // --timeout 1リクエストあたりのタイムアウト
	OutDir     string // --out-dir アーカイブの保存先
	BaseURL    string // --base-url 情報公開ページのURL
}

var (
	Flags           AppFlags           // アプリケーション固有フラグにアクセスするためのグローバル変数
	globalClient    *httpclient.Client // 初期化済みのHTTPクライアント
	globalExtractor *extract.Extractor // 初期化済みのリンク抽出器
)

// --- 初期化とロジック (clibaseへのコールバックとして利用) ---

// addAppPersistentFlags は、アプリケーション固有の永続フラグをルートコマンドに追加します。
func addAppPersistentFlags(rootCmd *cobra.Command) {
	rootCmd.Short = "EPRX 取引結果アーカイブの取得・展開・文字コード変換ツール"
	rootCmd.Long = `EPRX の情報公開ページから取引結果の ZIP アーカイブを取得し、展開したうえで CSV を Shift_JIS から UTF-8 に変換します。`

	rootCmd.PersistentFlags().IntVar(
		&Flags.TimeoutSec,
		"timeout",
		defaultTimeoutSec,
		"1リクエストあたりのタイムアウト時間（秒）",
	)
	rootCmd.PersistentFlags().StringVar(
		&Flags.OutDir,
		"out-dir",
		defaultOutDir,
		"アーカイブの保存・展開先ディレクトリ",
	)
	rootCmd.PersistentFlags().StringVar(
		&Flags.BaseURL,
		"base-url",
		extract.DefaultBaseURL,
		"情報公開ページのURL (結果ページはこの配下の results.php)",
	)
}

// initAppPreRunE は、clibase共通処理の後に実行される、アプリケーション固有のPersistentPreRunEです。
// ネットワークにはアクセスせず、共有の依存関係だけを初期化します。
func initAppPreRunE(cmd *cobra.Command, args []string) error {
	if Flags.TimeoutSec <= 0 {
		return fmt.Errorf("--timeout には正の秒数を指定してください: %d", Flags.TimeoutSec)
	}
	timeout := requestTimeout()

	baseURL, err := parseBaseURL(Flags.BaseURL)
	if err != nil {
		return err
	}

	if clibase.Flags.Verbose {
		log.Printf("HTTPクライアントのタイムアウトを設定しました (Timeout: %s)。", timeout)
		log.Printf("情報公開ページ: %s", baseURL)
	}

	globalClient, err = httpclient.New(timeout)
	if err != nil {
		return fmt.Errorf("HTTPクライアントの初期化エラー: %w", err)
	}
	globalExtractor, err = extract.NewExtractor(globalClient, extract.WithBaseURL(baseURL))
	if err != nil {
		return fmt.Errorf("Extractorの初期化エラー: %w", err)
	}
	return nil
}

// requestTimeout は、--timeout を time.Duration にして返します。
func requestTimeout() time.Duration {
	return time.Duration(Flags.TimeoutSec) * time.Second
}

// --- エントリポイント ---

// Execute は、rootCmd を実行するメイン関数です。clibaseのExecuteを使用する。
func Execute() {
	clibase.Execute(
		appName,
		addAppPersistentFlags,
		initAppPreRunE,
		resultsCmd,
		linksCmd,
		fetchCmd,
		processCmd,
	)
}
