package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shouni/eprx-results/pkg/extract"
)

// ErrInvalidYear は、年度の指定が4桁の数字でない場合のエラーです。
var ErrInvalidYear = errors.New("年度は4桁の数字で指定してください (例: 2024)")

// nowFunc は、年度の既定値を決める現在時刻です。
var nowFunc = time.Now

// currentFiscalYear は、4月始まりの年度を返します。1〜3月は前年の年度に属します。
func currentFiscalYear(now time.Time) int {
	if now.Month() >= time.April {
		return now.Year()
	}
	return now.Year() - 1
}

// resolveFiscalYear は、引数の年度を検証して返します。引数が無い場合は now の年度を返します。
func resolveFiscalYear(args []string, now time.Time) (string, error) {
	if len(args) == 0 {
		return strconv.Itoa(currentFiscalYear(now)), nil
	}
	raw := extract.NormalizeYear(args[0], "年度")
	if len(raw) != 4 {
		return "", fmt.Errorf("%w: %q", ErrInvalidYear, args[0])
	}
	if _, err := strconv.ParseUint(raw, 10, 16); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidYear, args[0])
	}
	return raw, nil
}
