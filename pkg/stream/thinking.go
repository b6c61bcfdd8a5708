package stream

import (
	"strings"
	"unicode/utf8"
)

const (
	thinkingStartTag  = "<thinking>"
	thinkingEndTag    = "</thinking>"
	thinkingEndTagSep = "</thinking>\n\n"
)

// Characters that, adjacent to a thinking tag, mark it as quoted prose rather
// than a real tag (backticks, quotes, punctuation).
var quoteChars [256]bool

func init() {
	for _, c := range []byte("`\"'\\#!@$%^&*()-_=+[]{};:<>,.?/") {
		quoteChars[c] = true
	}
}

func isQuoteChar(s string, pos int) bool {
	if pos < 0 || pos >= len(s) {
		return false
	}
	return quoteChars[s[pos]]
}

// charBoundary returns the largest UTF-8 rune boundary <= target. Slicing a
// partial multi-byte sequence would corrupt the delta text.
func charBoundary(s string, target int) int {
	if target >= len(s) {
		return len(s)
	}
	for target > 0 && !utf8.RuneStart(s[target]) {
		target--
	}
	return target
}

// findThinkingStart locates the first <thinking> not wrapped in quote
// characters. Returns -1 when absent.
func findThinkingStart(buf string) int {
	searchStart := 0
	for {
		pos := strings.Index(buf[searchStart:], thinkingStartTag)
		if pos < 0 {
			return -1
		}
		abs := searchStart + pos
		after := abs + len(thinkingStartTag)
		if !isQuoteChar(buf, abs-1) && !isQuoteChar(buf, after) {
			return abs
		}
		searchStart = abs + 1
	}
}

// findThinkingEnd locates the real </thinking>: not quote-wrapped and followed
// by "\n\n". A tag too close to the buffer end returns -1 so the caller waits
// for more bytes; models also mention the literal tag mid-thought, and those
// occurrences get skipped here.
func findThinkingEnd(buf string) int {
	searchStart := 0
	for {
		pos := strings.Index(buf[searchStart:], thinkingEndTag)
		if pos < 0 {
			return -1
		}
		abs := searchStart + pos
		after := abs + len(thinkingEndTag)
		if isQuoteChar(buf, abs-1) || isQuoteChar(buf, after) {
			searchStart = abs + 1
			continue
		}
		if len(buf)-after < 2 {
			return -1
		}
		if strings.HasPrefix(buf[after:], "\n\n") {
			return abs
		}
		searchStart = abs + 1
	}
}

// findThinkingEndAtBufferEnd is the boundary variant: the tag counts when
// everything after it is whitespace. Used when the stream jumps straight into
// tool_use or ends without the usual "\n\n" separator.
func findThinkingEndAtBufferEnd(buf string) int {
	searchStart := 0
	for {
		pos := strings.Index(buf[searchStart:], thinkingEndTag)
		if pos < 0 {
			return -1
		}
		abs := searchStart + pos
		after := abs + len(thinkingEndTag)
		if isQuoteChar(buf, abs-1) || isQuoteChar(buf, after) {
			searchStart = abs + 1
			continue
		}
		if strings.TrimSpace(buf[after:]) == "" {
			return abs
		}
		searchStart = abs + 1
	}
}
