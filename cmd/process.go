package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// processCmd は、取得済みのディレクトリに対して展開と文字コード変換だけを行うコマンドです。
var processCmd = &cobra.Command{
	Use:   "process [DIR]",
	Short: "既存ディレクトリのアーカイブを展開し、CSVを変換します",
	Long:  `DIR (省略時は --out-dir) 直下の ZIP アーカイブを展開し、配下の CSV を UTF-8 に変換します。ネットワークにはアクセスしません。`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := Flags.OutDir
		if len(args) == 1 {
			dir = args[0]
		}
		proc, err := newProcessor()
		if err != nil {
			return err
		}
		sum, err := proc.ProcessDir(dir)
		if err != nil {
			return fmt.Errorf("❌ ディレクトリを処理できません (%s): %w", dir, err)
		}
		printSummary(sum)
		return nil
	},
}

func init() {
	addProcessFlags(processCmd)
}
