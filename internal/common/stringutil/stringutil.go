// Package stringutil holds small string helpers shared across components.
package stringutil

// TruncateStringWithEllipsis caps s at maxLen bytes and marks the cut with
// a "..." tail. Below four bytes the ellipsis would not fit, so the string
// is cut hard instead.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
