package util

import (
	"strings"
	"unicode/utf8"
)

const (
	KakaoZeroWidthSpace = "\u200b"
	// KakaoSeeMorePadding zero-width runes push the body past the chat preview.
	KakaoSeeMorePadding = 500
	// Messages with more lines or runes than these are folded.
	KakaoSeeMoreLines = 8
	KakaoSeeMoreRunes = 400
)

var seeMorePad = strings.Repeat(KakaoZeroWidthSpace, KakaoSeeMorePadding)

// SeeMore shows header in the preview and hides body behind KakaoTalk's "see more" button.
func SeeMore(header, body string) string {
	body = strings.TrimLeft(body, "\r\n")
	if strings.TrimSpace(body) == "" {
		return header
	}
	var b strings.Builder
	b.Grow(len(header) + len(seeMorePad) + len(body) + 1)
	b.WriteString(strings.TrimSpace(header))
	b.WriteString(seeMorePad)
	b.WriteByte('\n')
	b.WriteString(body)
	return b.String()
}

// FoldLong keeps short messages as they are. Longer ones show their first line and fold the rest.
func FoldLong(text string) string {
	if strings.Count(text, "\n") < KakaoSeeMoreLines && utf8.RuneCountInString(text) <= KakaoSeeMoreRunes {
		return text
	}
	header, body, ok := strings.Cut(text, "\n")
	if !ok {
		return text
	}
	return SeeMore(header, body)
}
