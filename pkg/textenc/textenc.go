package textenc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/shouni/eprx-results/pkg/types"
)

const (
	// DefaultFrom は、変換元の既定の文字コードです。
	DefaultFrom = "shift_jis"
	// DefaultTo は、変換先の既定の文字コードです。
	DefaultTo = "utf-8"
	// Ext は、変換対象とするファイルの拡張子です (大文字小文字は区別しません)。
	Ext = ".csv"
)

// ErrUnknownEncoding は、文字コード名を解決できない場合のエラーです。
var ErrUnknownEncoding = errors.New("未知の文字コードです")

// Codec は、解決済みの変換元・変換先の文字コードの組です。
type Codec struct {
	from, to         encoding.Encoding
	fromName, toName string
}

// NewCodec は、WHATWG のラベル (shift_jis, utf-8 など) から Codec を生成します。
// 空文字列は既定値として扱います。
func NewCodec(from, to string) (*Codec, error) {
	if strings.TrimSpace(from) == "" {
		from = DefaultFrom
	}
	if strings.TrimSpace(to) == "" {
		to = DefaultTo
	}
	src, err := htmlindex.Get(from)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, from)
	}
	dst, err := htmlindex.Get(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, to)
	}
	fromName, _ := htmlindex.Name(src)
	toName, _ := htmlindex.Name(dst)
	return &Codec{from: src, to: dst, fromName: fromName, toName: toName}, nil
}

// Convert は、バイト列を変換元から変換先の文字コードへ変換します。
// 変換元として不正なバイト列は取り除かれます。
func (c *Codec) Convert(data []byte) ([]byte, error) {
	t := transform.Chain(
		c.from.NewDecoder(),
		runes.Remove(runes.Predicate(func(r rune) bool { return r == utf8.RuneError })),
		c.to.NewEncoder(),
	)
	out, _, err := transform.Bytes(t, data)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// alreadyConverted は、ファイルが既に UTF-8 で、再変換すべきでないかを返します。
// ASCII のみのファイルと、3バイト以上の UTF-8 文字 (かな・漢字など) を含む妥当な UTF-8 を変換済みとみなします。
// 半角カナの Shift_JIS は2バイトの UTF-8 としても妥当になり得るため、2バイト文字だけでは判定しません。
func (c *Codec) alreadyConverted(data []byte) bool {
	if c.fromName == "utf-8" || c.toName != "utf-8" || !utf8.Valid(data) {
		return false
	}
	ascii := true
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r >= 0x800 {
			return true
		}
		if size > 1 {
			ascii = false
		}
		i += size
	}
	return ascii
}

// ConvertFile は、1ファイルを変換し、その結果を Outcome として返します。
// 既に UTF-8 として妥当なファイルは変換せずにスキップします。
func (c *Codec) ConvertFile(path string) types.Outcome {
	info, err := os.Stat(path)
	if err != nil {
		return types.Failed(types.ReasonEncoding, "", path, fmt.Errorf("ファイル情報の取得に失敗しました: %w", err))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Failed(types.ReasonEncoding, "", path, fmt.Errorf("ファイルの読み込みに失敗しました: %w", err))
	}
	if c.alreadyConverted(data) {
		return types.Skipped(types.ReasonAlreadyUTF8, "", path)
	}

	out, err := c.Convert(data)
	if err != nil {
		return types.Failed(types.ReasonEncoding, "", path,
			fmt.Errorf("文字コードの変換に失敗しました (%s → %s): %w", c.fromName, c.toName, err))
	}
	if err := writeAtomic(path, out, info.Mode().Perm()); err != nil {
		return types.Failed(types.ReasonWrite, "", path, err)
	}
	return types.Succeeded("", path)
}

// Convert は、TextAsset の指定に従って1ファイルを変換します。
func Convert(asset types.TextAsset) types.Outcome {
	codec, err := NewCodec(asset.From, asset.To)
	if err != nil {
		return types.Failed(types.ReasonEncoding, "", asset.Path, err)
	}
	return codec.ConvertFile(asset.Path)
}

// NormalizeEncoding は、root 以下を再帰的に走査し、CSV ファイルを変換します。
// 1ファイルの失敗で走査は中断しません。エラーを返すのは文字コード名が不正な場合と root を走査できない場合のみです。
func NormalizeEncoding(root, from, to string) ([]types.Outcome, error) {
	codec, err := NewCodec(from, to)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("変換対象ディレクトリにアクセスできません (%s): %w", root, err)
	}

	var outcomes []types.Outcome
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			outcomes = append(outcomes, types.Failed(types.ReasonEncoding, "", path, walkErr))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), Ext) {
			return nil
		}
		outcomes = append(outcomes, codec.ConvertFile(path))
		return nil
	})
	if err != nil {
		return outcomes, fmt.Errorf("ディレクトリの走査に失敗しました (%s): %w", root, err)
	}
	return outcomes, nil
}

// writeAtomic は、同じディレクトリの一時ファイルに書き込んでからリネームします。
func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗しました: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("一時ファイルへの書き込みに失敗しました: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("一時ファイルのクローズに失敗しました: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("パーミッションの設定に失敗しました: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("変換後ファイルのリネームに失敗しました (%s): %w", path, err)
	}
	return nil
}
