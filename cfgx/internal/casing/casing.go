// Package casing converts dotted Go field paths such as "DB.PasswordFile"
// into env, flag and file names.
package casing

import (
	"strings"
	"unicode"
)

// ToSnake converts a dotted path to snake case. Acronyms stay one word,
// so "HTTPPort" becomes "http_port".
func ToSnake(s string) string {
	r := []rune(s)
	var str strings.Builder

	for i, char := range r {
		if char == '.' {
			str.WriteRune('_')
			continue
		}

		// Segment boundaries are always lower and never split.
		isStart := i == 0 || r[i-1] == '.'
		isEnd := i == len(r)-1 || r[i+1] == '.'
		if isStart || isEnd {
			str.WriteRune(unicode.ToLower(char))
			continue
		}

		isUpper := unicode.IsUpper(char)
		prevIsUpper := unicode.IsUpper(r[i-1])
		nextIsUpper := unicode.IsUpper(r[i+1])

		isBeginningOfWord := isUpper && !prevIsUpper
		isAfterAcronym := isUpper && prevIsUpper && !nextIsUpper
		if isBeginningOfWord || isAfterAcronym {
			str.WriteRune('_')
		}
		str.WriteRune(unicode.ToLower(char))
	}

	return str.String()
}

// ToScreamingSnake is used for environment variables.
func ToScreamingSnake(s string) string {
	return strings.ToUpper(ToSnake(s))
}

// ToKebab is used for flags.
func ToKebab(s string) string {
	return strings.ReplaceAll(ToSnake(s), "_", "-")
}
