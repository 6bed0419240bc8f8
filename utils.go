package convo

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/exp/constraints"
)

// Number covers the numeric types accepted by the generic helpers.
type Number interface {
	constraints.Integer | constraints.Float
}

func getMax[T Number](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func getMin[T Number](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// truncateText shortens s to at most max runes for logging.
func truncateText(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:getMin(max, len(runes))]) + "..."
}

// PrepareNumberInput returns the leading numeric symbols of a string, so
// `332fdqa` becomes `332`. Useful for dialogs that expect a number but get
// free-form text.
func PrepareNumberInput(s string, isDecimal bool) string {
	for i := range s {
		if s[i] >= '0' && s[i] <= '9' {
			continue
		}
		if isDecimal && s[i] == '.' {
			continue
		}
		return s[:i]
	}
	return s
}

// IsNotFoundEditMsgErr reports whether the error means the message to edit
// is gone.
func IsNotFoundEditMsgErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "message to edit not found")
}
