// Package sanitize neutralizes attacker-controlled text before it is
// stored, logged or printed. Usernames in sshd log lines are chosen by
// whoever is knocking, so they may carry terminal escapes or be huge.
package sanitize

import (
	"strings"
	"unicode/utf8"
)

// MaxUsernameLength caps stored usernames. Linux login names are at most
// 32 bytes; anything longer is noise from a scanner.
const MaxUsernameLength = 64

// Display makes s safe for a terminal and truncates it to maxLen bytes
// without splitting a rune. maxLen <= 0 means no limit.
func Display(s string, maxLen int) string {
	return truncate(Terminal(s), maxLen, "...")
}

// Terminal replaces escape sequences and control characters with visible
// placeholders.
func Terminal(s string) string {
	if s == "" || !hasControl(s) {
		return s
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		c := s[i]

		if c == 0x1B {
			i++
			if i < len(s) && s[i] == '[' {
				i++
				for i < len(s) && !isCSITerminator(s[i]) {
					i++
				}
				if i < len(s) {
					i++
				}
			}
			result.WriteString("[ESC]")
			continue
		}

		switch {
		case c == '\t', c == '\n':
			result.WriteByte(' ')
		case c == '\r':
			result.WriteString("[CR]")
		case c < 0x20:
			result.WriteString("[CTRL]")
		case c == 0x7F:
			result.WriteString("[DEL]")
		default:
			result.WriteByte(c)
		}
		i++
	}

	return result.String()
}

// Username drops control characters and invalid UTF-8 from a login name
// taken from a log line, and caps its length.
func Username(s string) string {
	if !hasControl(s) && utf8.ValidString(s) {
		return truncate(s, MaxUsernameLength, "")
	}

	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r == utf8.RuneError || r < 0x20 || r == 0x7F {
			continue
		}
		result.WriteRune(r)
	}
	return truncate(result.String(), MaxUsernameLength, "")
}

func hasControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c == 0x7F {
			return true
		}
	}
	return false
}

func isCSITerminator(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '@' || c == '`'
}

func truncate(s string, maxLen int, ellipsis string) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen - len(ellipsis)
	if cut < 0 {
		cut = 0
		ellipsis = ""
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
