// Package stream speaks long text as a sequence of short segments,
// synthesising a few segments ahead of playback.
package stream

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const DefaultMaxRunes = 120

type Options struct {
	// MaxRunes bounds the length of one segment.
	MaxRunes int
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}

func isClauseMark(r rune) bool {
	switch r {
	case ',', '、', '，', ';', '；', ':', '：':
		return true
	}
	return false
}

// isCloser reports characters that belong to the sentence they follow,
// like the quote after "。".
func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '」', '』', '）', '】', '”', '’':
		return true
	}
	return false
}

// Split breaks text into segments no longer than opts.MaxRunes. Text is NFC
// normalised and cut at sentence ends first, then at clause marks, and
// finally at the rune limit. Blank segments are dropped.
func Split(text string, opts Options) []string {
	max := opts.MaxRunes
	if max <= 0 {
		max = DefaultMaxRunes
	}
	var out []string
	for _, sentence := range sentences(norm.NFC.String(text)) {
		if utf8.RuneCountInString(sentence) <= max {
			out = append(out, sentence)
			continue
		}
		for _, part := range pack(clauses(sentence), max) {
			out = append(out, hardSplit(part, max)...)
		}
	}
	return out
}

func sentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if !isTerminator(r) {
			continue
		}
		// Keep runs like "?!" or "..." and closing quotes together.
		for i+1 < len(runes) && (isTerminator(runes[i+1]) || isCloser(runes[i+1])) {
			i++
			cur.WriteRune(runes[i])
		}
		// "3.14" is not a sentence end.
		if r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) && i > 0 && unicode.IsDigit(runes[i-1]) {
			continue
		}
		flush()
	}
	flush()
	return out
}

func clauses(sentence string) []string {
	var (
		out   []string
		start int
	)
	for i, r := range sentence {
		if isClauseMark(r) {
			end := i + utf8.RuneLen(r)
			out = append(out, sentence[start:end])
			start = end
		}
	}
	if start < len(sentence) {
		out = append(out, sentence[start:])
	}
	return out
}

// pack joins neighbouring clauses while they fit in max runes.
func pack(parts []string, max int) []string {
	var (
		out []string
		cur string
	)
	for _, p := range parts {
		if cur != "" && utf8.RuneCountInString(cur)+utf8.RuneCountInString(p) > max {
			out = appendTrimmed(out, cur)
			cur = ""
		}
		cur += p
	}
	return appendTrimmed(out, cur)
}

func hardSplit(s string, max int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > max {
		out = appendTrimmed(out, string(runes[:max]))
		runes = runes[max:]
	}
	return appendTrimmed(out, string(runes))
}

func appendTrimmed(out []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}
