package gateway

import (
	"regexp"
	"strings"
)

// ansiEscape matches two-byte escapes (ESC followed by @-Z, \, ], ^ or _) and
// CSI sequences such as colour codes and cursor movement.
var ansiEscape = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// unfinishedEscape matches an escape sequence cut off at the end of a chunk.
var unfinishedEscape = regexp.MustCompile(`^\x1B(?:\[[0-?]*[ -/]*)?$`)

// Sanitize removes terminal escape sequences and leaves every other
// character untouched.
func Sanitize(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// splitUnfinishedEscape separates a trailing, not yet terminated escape
// sequence from s so it can be joined with the next chunk.
func splitUnfinishedEscape(s string) (head, tail string) {
	i := strings.LastIndexByte(s, 0x1B)
	if i < 0 || !unfinishedEscape.MatchString(s[i:]) {
		return s, ""
	}
	return s[:i], s[i:]
}
