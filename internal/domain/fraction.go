package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	bpsPerWhole   = decimal.NewFromInt(BpsDenominator)
	bpsPerPercent = decimal.NewFromInt(100)
)

// ParseBps converts a human fraction into basis points. "0.8" and "80%"
// both yield 8000. Values that are not a whole number of basis points are
// rejected rather than rounded.
func ParseBps(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty fraction", ErrInvalidInput)
	}
	scale := bpsPerWhole
	if strings.HasSuffix(s, "%") {
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
		scale = bpsPerPercent
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: fraction %q: %v", ErrInvalidInput, s, err)
	}
	bps := d.Mul(scale)
	if !bps.Equal(bps.Truncate(0)) {
		return 0, fmt.Errorf("%w: fraction %q is finer than one basis point", ErrInvalidInput, s)
	}
	return bps.IntPart(), nil
}

// FormatBps renders basis points as a percentage string, e.g. 1850 -> "18.5%".
func FormatBps(bps int64) string {
	return decimal.NewFromInt(bps).Div(bpsPerPercent).String() + "%"
}
