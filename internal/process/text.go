package process

import "strings"

// Quote wraps s in single quotes for safe interpolation into sh -c.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
