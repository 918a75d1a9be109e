package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentFiscalYear(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"4月1日は当年度", time.Date(2024, time.April, 1, 0, 0, 0, 0, time.Local), 2024},
		{"12月は当年度", time.Date(2024, time.December, 31, 23, 59, 0, 0, time.Local), 2024},
		{"1月は前年度", time.Date(2025, time.January, 1, 0, 0, 0, 0, time.Local), 2024},
		{"3月31日は前年度", time.Date(2025, time.March, 31, 12, 0, 0, 0, time.Local), 2024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, currentFiscalYear(tt.now))
		})
	}
}

func TestResolveFiscalYear(t *testing.T) {
	now := time.Date(2025, time.February, 10, 0, 0, 0, 0, time.Local)

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"省略時は現在の年度", nil, "2024", false},
		{"4桁の数字", []string{"2023"}, "2023", false},
		{"全角数字", []string{"２０２２"}, "2022", false},
		{"年度付き", []string{"2021年度"}, "2021", false},
		{"3桁はエラー", []string{"202"}, "", true},
		{"5桁はエラー", []string{"20245"}, "", true},
		{"数字以外はエラー", []string{"abcd"}, "", true},
		{"符号付きはエラー", []string{"+202"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveFiscalYear(tt.args, now)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidYear)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
