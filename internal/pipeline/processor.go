package pipeline

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/shouni/eprx-results/pkg/archive"
	"github.com/shouni/eprx-results/pkg/textenc"
	"github.com/shouni/eprx-results/pkg/types"
)

// Processor は、取得済みアーカイブの展開と、展開されたCSVの文字コード変換を行います。
type Processor struct {
	KeepArchives bool
	// SkipConvert が true の場合、文字コード変換を行いません。
	SkipConvert bool
	From        string
	To          string
	Verbose     bool
}

// Process は、1件のアーカイブを展開し、展開先のCSVを変換します。結果は sum に集計します。
func (p *Processor) Process(archivePath string, sum *types.Summary) {
	out := archive.Extract(archivePath, archive.Options{KeepArchive: p.KeepArchives})
	if !out.OK() {
		sum.Failed++
		log.Printf("展開に失敗しました (アーカイブは残します): %s", out)
		return
	}
	sum.Extracted++
	log.Printf("展開しました: %s -> %s", archivePath, out.Path)

	if p.SkipConvert {
		return
	}
	p.convert(out.Path, sum)
}

// ProcessDir は、ディレクトリ直下の全アーカイブを展開し、ディレクトリ全体のCSVを変換します。
func (p *Processor) ProcessDir(dir string) (types.Summary, error) {
	var sum types.Summary
	archives, err := archive.ListArchives(dir)
	if err != nil {
		return sum, err
	}
	for _, path := range archives {
		out := archive.Extract(path, archive.Options{KeepArchive: p.KeepArchives})
		if !out.OK() {
			sum.Failed++
			log.Printf("展開に失敗しました (アーカイブは残します): %s", out)
			continue
		}
		sum.Extracted++
		log.Printf("展開しました: %s -> %s", path, out.Path)
	}

	if !p.SkipConvert {
		p.convert(dir, &sum)
	}
	return sum, nil
}

func (p *Processor) convert(root string, sum *types.Summary) {
	outcomes, err := textenc.NormalizeEncoding(root, p.From, p.To)
	if err != nil {
		sum.Failed++
		log.Printf("文字コード変換を実行できません (%s): %v", root, err)
		return
	}
	for _, o := range outcomes {
		switch o.Status {
		case types.StatusSuccess:
			sum.Converted++
			if p.Verbose {
				log.Printf("変換しました: %s", o.Path)
			}
		case types.StatusSkipped:
			if p.Verbose {
				log.Printf("変換をスキップしました: %s", o)
			}
		case types.StatusFailed:
			sum.Failed++
			log.Printf("変換に失敗しました: %s", o)
		}
	}
}

// pendingArchive は、既存のためダウンロードをスキップしたアーカイブが未展開のまま残っているかを返します。
func pendingArchive(path string) bool {
	if !strings.EqualFold(filepath.Ext(path), archive.Ext) {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	_, err := os.Stat(archive.DestDir(path))
	return errors.Is(err, fs.ErrNotExist)
}
