package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"

	"github.com/shouni/eprx-results/pkg/types"
)

type entry struct {
	name string
	body string
}

// writeZip は、指定したエントリを持つZIPファイルを作成します。
func writeZip(t *testing.T, path string, entries []entry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for _, e := range entries {
		ew, err := w.Create(e.name)
		require.NoError(t, err)
		_, err = ew.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

// writeCorruptZip は、無圧縮の2エントリを持ち、2番目のエントリのデータを1バイト書き換えたZIPを作成します。
// 2番目のエントリはCRC検査で失敗します。
func writeCorruptZip(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range []entry{
		{name: "first.csv", body: "first entry body\n"},
		{name: "second.csv", body: "SECOND-ENTRY-PAYLOAD\n"},
	} {
		ew, err := w.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Store})
		require.NoError(t, err)
		_, err = ew.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	data := buf.Bytes()
	i := bytes.Index(data, []byte("SECOND-ENTRY-PAYLOAD"))
	require.GreaterOrEqual(t, i, 0)
	data[i] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// listFiles は、root 以下の通常ファイルを root からの相対パスで返します。
func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(files)
	return files
}

func TestDestDir(t *testing.T) {
	assert.Equal(t, filepath.Join("zip", "results_20240401"), DestDir(filepath.Join("zip", "results_20240401.zip")))
	assert.Equal(t, filepath.Join("zip", "RESULTS"), DestDir(filepath.Join("zip", "RESULTS.ZIP")))
}

func TestExtractAndRemove(t *testing.T) {
	t.Run("正常なアーカイブは展開して削除する", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "results_2024.zip")
		writeZip(t, path, []entry{
			{name: "一次調整力.csv", body: "a,b\n1,2\n"},
			{name: "sub/", body: ""},
			{name: "sub/二次.csv", body: "c\n"},
		})

		dest, err := ExtractAndRemove(path, Options{})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "results_2024"), dest)
		assert.NoFileExists(t, path)
		assert.Equal(t, []string{"sub/二次.csv", "一次調整力.csv"}, listFiles(t, dest))

		got, err := os.ReadFile(filepath.Join(dest, "一次調整力.csv"))
		require.NoError(t, err)
		assert.Equal(t, "a,b\n1,2\n", string(got))

		remaining, err := ListArchives(dir)
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})

	t.Run("KeepArchive指定時は残す", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "keep.zip")
		writeZip(t, path, []entry{{name: "a.csv", body: "x"}})

		_, err := ExtractAndRemove(path, Options{KeepArchive: true})
		require.NoError(t, err)
		assert.FileExists(t, path)
		assert.FileExists(t, filepath.Join(dir, "keep", "a.csv"))
	})

	t.Run("壊れたアーカイブはエラーで元ファイルを残す", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "broken.zip")
		require.NoError(t, os.WriteFile(path, []byte("this is not a zip archive"), 0o644))

		_, err := ExtractAndRemove(path, Options{})
		assert.ErrorIs(t, err, ErrCorruptArchive)
		assert.FileExists(t, path)
	})

	t.Run("途中のエントリが壊れている場合は展開先を残さない", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "crc.zip")
		writeCorruptZip(t, path)

		_, err := ExtractAndRemove(path, Options{})
		assert.ErrorIs(t, err, ErrCorruptArchive)
		assert.FileExists(t, path)
		assert.NoDirExists(t, filepath.Join(dir, "crc"))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1, "一時ディレクトリが残っていないこと")
		assert.Equal(t, "crc.zip", entries[0].Name())
	})

	t.Run("既存の展開先は展開結果で置き換える", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "again.zip")
		writeZip(t, path, []entry{{name: "a.csv", body: "new"}})
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "again"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "again", "stale.csv"), []byte("old"), 0o644))

		dest, err := ExtractAndRemove(path, Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a.csv"}, listFiles(t, dest))
	})

	t.Run("展開先の外を指すエントリは拒否する", func(t *testing.T) {
		dir := t.TempDir()
		work := filepath.Join(dir, "work")
		require.NoError(t, os.MkdirAll(work, 0o755))
		path := filepath.Join(work, "evil.zip")
		writeZip(t, path, []entry{{name: "../../escaped.csv", body: "x"}})

		_, err := ExtractAndRemove(path, Options{})
		assert.ErrorIs(t, err, ErrUnsafePath)
		assert.FileExists(t, path)
		assert.NoFileExists(t, filepath.Join(dir, "escaped.csv"))
		assert.NoDirExists(t, filepath.Join(work, "evil"))
	})

	t.Run("Shift_JISのエントリ名をデコードする", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "sjis.zip")
		name, err := japanese.ShiftJIS.NewEncoder().String("速報値.csv")
		require.NoError(t, err)
		writeZip(t, path, []entry{{name: name, body: "x"}})

		dest, err := ExtractAndRemove(path, Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{"速報値.csv"}, listFiles(t, dest))
	})
}

func TestListArchives(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.zip", "A.ZIP", "note.txt", "c.zip.part"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d.zip"), 0o755))

	got, err := ListArchives(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "A.ZIP"), filepath.Join(dir, "b.zip")}, got)

	_, err = ListArchives(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestExtractAll(t *testing.T) {
	dir := t.TempDir()
	writeZip(t, filepath.Join(dir, "good.zip"), []entry{{name: "a.csv", body: "x"}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.zip"), []byte("garbage"), 0o644))

	outcomes, err := ExtractAll(dir, Options{})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	// ファイル名順: bad.zip, good.zip
	assert.Equal(t, types.StatusFailed, outcomes[0].Status)
	assert.Equal(t, types.ReasonCorruptArchive, outcomes[0].Reason)
	assert.Equal(t, filepath.Join(dir, "bad.zip"), outcomes[0].Path)
	assert.FileExists(t, filepath.Join(dir, "bad.zip"))

	assert.True(t, outcomes[1].OK())
	assert.Equal(t, filepath.Join(dir, "good"), outcomes[1].Path)
	assert.NoFileExists(t, filepath.Join(dir, "good.zip"))
}
