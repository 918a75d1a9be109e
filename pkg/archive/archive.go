package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/zip"
	"golang.org/x/text/encoding/japanese"

	"github.com/shouni/eprx-results/pkg/types"
)

const (
	// Ext は、アーカイブとして扱うファイルの拡張子です (大文字小文字は区別しません)。
	Ext = ".zip"

	dirPerm    = 0o755
	filePerm   = 0o644
	partSuffix = ".part"
)

var (
	// ErrCorruptArchive は、アーカイブを開けない、または読み込めない場合のエラーです。
	ErrCorruptArchive = errors.New("アーカイブが壊れているか、ZIP形式ではありません")
	// ErrUnsafePath は、展開先ディレクトリの外を指すエントリが含まれる場合のエラーです。
	ErrUnsafePath = errors.New("展開先の外を指すエントリが含まれています")
)

// Options は展開処理の設定です。
type Options struct {
	// KeepArchive が true の場合、展開に成功してもアーカイブを削除しません。
	KeepArchive bool
}

// DestDir は、アーカイブの展開先ディレクトリ (拡張子を除いたパス) を返します。
func DestDir(archivePath string) string {
	return strings.TrimSuffix(archivePath, filepath.Ext(archivePath))
}

// ExtractAndRemove は、アーカイブを同名のディレクトリへ展開し、成功した場合はアーカイブを削除します。
// エラー時はアーカイブを残します。
func ExtractAndRemove(archivePath string, opts Options) (string, error) {
	dest := DestDir(archivePath)

	r, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		if r != nil {
			_ = r.Close()
		}
		return "", fmt.Errorf("%w (%s)", ErrUnsafePath, archivePath)
	}
	if err != nil {
		return "", fmt.Errorf("%w (%s): %v", ErrCorruptArchive, archivePath, err)
	}

	if err := extractAll(r, dest); err != nil {
		_ = r.Close()
		return "", err
	}
	if err := r.Close(); err != nil {
		return "", fmt.Errorf("アーカイブのクローズに失敗しました (%s): %w", archivePath, err)
	}

	if !opts.KeepArchive {
		if err := os.Remove(archivePath); err != nil {
			return dest, fmt.Errorf("アーカイブの削除に失敗しました (%s): %w", archivePath, err)
		}
	}
	return dest, nil
}

// extractAll は、同じ階層の一時ディレクトリへ全エントリを展開し、すべて成功した場合だけ dest に置き換えます。
// 失敗時は一時ディレクトリを削除するため、dest に展開途中の状態は残りません。
func extractAll(r *zip.ReadCloser, dest string) (err error) {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, dirPerm); err != nil {
		return fmt.Errorf("展開先ディレクトリの作成に失敗しました (%s): %w", parent, err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+".*"+partSuffix)
	if err != nil {
		return fmt.Errorf("一時ディレクトリの作成に失敗しました (%s): %w", parent, err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmp)
		}
	}()
	if err := os.Chmod(tmp, dirPerm); err != nil {
		return fmt.Errorf("パーミッションの設定に失敗しました (%s): %w", tmp, err)
	}

	for _, f := range r.File {
		if err := extractEntry(f, tmp); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("既存の展開先の削除に失敗しました (%s): %w", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("展開先へのリネームに失敗しました (%s): %w", dest, err)
	}
	return nil
}

// extractEntry は、1エントリを展開します。
func extractEntry(f *zip.File, dest string) error {
	name := entryName(f.Name)
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, f.Name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))

	mode := f.Mode()
	switch {
	case mode.IsDir():
		if err := os.MkdirAll(target, dirPerm); err != nil {
			return fmt.Errorf("ディレクトリの作成に失敗しました (%s): %w", target, err)
		}
		return nil
	case mode&os.ModeSymlink != 0:
		return fmt.Errorf("%w: シンボリックリンクは展開しません: %q", ErrUnsafePath, f.Name)
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return fmt.Errorf("ディレクトリの作成に失敗しました (%s): %w", filepath.Dir(target), err)
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = filePerm
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: エントリを開けません (%s): %v", ErrCorruptArchive, f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("ファイルの作成に失敗しました (%s): %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("%w: エントリの展開に失敗しました (%s): %v", ErrCorruptArchive, f.Name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("ファイルのクローズに失敗しました (%s): %w", target, err)
	}
	return nil
}

// entryName は、UTF-8 として不正なエントリ名を Shift_JIS として解釈し直します。
// 国内の Windows 環境で作成された ZIP はファイル名を Shift_JIS で格納していることがあります。
func entryName(raw string) string {
	if utf8.ValidString(raw) {
		return raw
	}
	decoded, err := japanese.ShiftJIS.NewDecoder().String(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ListArchives は、ディレクトリ直下のアーカイブファイルをファイル名順に返します。
func ListArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ディレクトリの読み込みに失敗しました (%s): %w", dir, err)
	}
	var archives []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), Ext) {
			continue
		}
		archives = append(archives, filepath.Join(dir, e.Name()))
	}
	return archives, nil
}

// Extract は、1件のアーカイブを展開し、その結果を Outcome として返します。
// 成功時の Path は展開先ディレクトリ、失敗時の Path はアーカイブのパスです。
func Extract(archivePath string, opts Options) types.Outcome {
	dest, err := ExtractAndRemove(archivePath, opts)
	if err != nil {
		reason := types.ReasonWrite
		if errors.Is(err, ErrCorruptArchive) || errors.Is(err, ErrUnsafePath) {
			reason = types.ReasonCorruptArchive
		}
		return types.Failed(reason, "", archivePath, err)
	}
	return types.Succeeded("", dest)
}

// ExtractAll は、ディレクトリ直下の全アーカイブを順に展開します。
// 1件の失敗は他のアーカイブの処理を妨げません。
func ExtractAll(dir string, opts Options) ([]types.Outcome, error) {
	archives, err := ListArchives(dir)
	if err != nil {
		return nil, err
	}
	outcomes := make([]types.Outcome, 0, len(archives))
	for _, path := range archives {
		outcomes = append(outcomes, Extract(path, opts))
	}
	return outcomes, nil
}
