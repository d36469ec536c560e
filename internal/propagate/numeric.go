package propagate

import (
	"regexp"
	"strconv"
	"strings"
)

// numericPattern pulls the first signed decimal number out of a fact value,
// tolerating currency symbols, thousands commas, percent suffixes, and
// trailing words ("$1,257.75", "6.8%", "3 degrees cooler").
var numericPattern = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)

// parseNumeric extracts the first number embedded in a fact value.
// Formatting is locale-agnostic: period decimal separator only.
func parseNumeric(s string) (float64, bool) {
	match := numericPattern.FindString(s)
	if match == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// formatPercent renders a percentage-change value to one decimal with a
// percent suffix ("6.8%").
func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "%"
}

// formatDelta renders an absolute delta to at most one decimal, dropping a
// trailing ".0" so whole numbers read naturally ("3", "3.2").
func formatDelta(v float64) string {
	if v < 0 {
		v = -v
	}
	s := strconv.FormatFloat(v, 'f', 1, 64)
	return strings.TrimSuffix(s, ".0")
}
