package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/eprx-results/pkg/types"
)

// withFlags は、テスト中だけフラグの値と現在時刻を差し替えます。
func withFlags(t *testing.T, q queryFlags, p processFlags, now time.Time) {
	t.Helper()
	prevQ, prevP, prevNow := qFlags, pFlags, nowFunc
	qFlags, pFlags = q, p
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() {
		qFlags, pFlags, nowFunc = prevQ, prevP, prevNow
	})
}

func TestBuildQuery(t *testing.T) {
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.Local)

	tests := []struct {
		name    string
		flags   queryFlags
		args    []string
		want    types.Query
		wantErr error
	}{
		{"既定は確報値・現在の年度", queryFlags{Report: "final"}, nil, types.Query{FiscalYear: "2024", Kind: types.ReportFinal}, nil},
		{"速報値・指定年度", queryFlags{Report: "prompt"}, []string{"2023"}, types.Query{FiscalYear: "2023", Kind: types.ReportPrompt}, nil},
		{"全年度", queryFlags{Report: "final", AllYears: true}, nil, types.Query{Kind: types.ReportFinal}, nil},
		{"不正な報告種別", queryFlags{Report: "weekly"}, nil, types.Query{}, types.ErrUnknownReportKind},
		{"不正な年度", queryFlags{Report: "final"}, []string{"24"}, types.Query{}, ErrInvalidYear},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withFlags(t, tt.flags, processFlags{}, now)
			got, err := buildQuery(tt.args)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("全年度と年度の同時指定はエラー", func(t *testing.T) {
		withFlags(t, queryFlags{Report: "final", AllYears: true}, processFlags{}, now)
		_, err := buildQuery([]string{"2024"})
		assert.Error(t, err)
	})
}

func TestNewProcessor(t *testing.T) {
	now := time.Now()

	t.Run("フラグを反映する", func(t *testing.T) {
		withFlags(t, queryFlags{}, processFlags{KeepArchives: true, From: "shift_jis", To: "utf-8"}, now)
		p, err := newProcessor()
		require.NoError(t, err)
		assert.True(t, p.KeepArchives)
		assert.False(t, p.SkipConvert)
		assert.Equal(t, "shift_jis", p.From)
	})

	t.Run("未知の文字コードはエラー", func(t *testing.T) {
		withFlags(t, queryFlags{}, processFlags{From: "no-such-encoding", To: "utf-8"}, now)
		_, err := newProcessor()
		assert.Error(t, err)
	})

	t.Run("変換しない場合は文字コードを検証しない", func(t *testing.T) {
		withFlags(t, queryFlags{}, processFlags{NoConvert: true, From: "no-such-encoding"}, now)
		p, err := newProcessor()
		require.NoError(t, err)
		assert.True(t, p.SkipConvert)
	})
}

func TestShouldProcess(t *testing.T) {
	dir := t.TempDir()
	pending := filepath.Join(dir, "pending.zip")
	done := filepath.Join(dir, "done.zip")
	require.NoError(t, os.WriteFile(pending, []byte("zip"), 0o644))
	require.NoError(t, os.WriteFile(done, []byte("zip"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "done"), 0o755))

	tests := []struct {
		name string
		out  types.Outcome
		want bool
	}{
		{"成功は展開する", types.Succeeded("u", pending), true},
		{"未展開の既存アーカイブは展開する", types.Skipped(types.ReasonExists, "u", pending), true},
		{"展開済みの既存アーカイブは展開しない", types.Skipped(types.ReasonExists, "u", done), false},
		{"失敗は展開しない", types.Failed(types.ReasonTransport, "u", "", assert.AnError), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldProcess(tt.out))
		})
	}
}
