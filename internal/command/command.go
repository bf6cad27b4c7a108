// Package command maps chat message text to the relay's bot commands.
package command

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Variant identifies what a message asks the relay to do.
type Variant int

const (
	// Plain is an ordinary chat message; it is cached, not answered.
	Plain Variant = iota
	Summary
	Activity
	Quote
)

func (v Variant) String() string {
	switch v {
	case Summary:
		return "summary"
	case Activity:
		return "activity"
	case Quote:
		return "quote"
	default:
		return "plain"
	}
}

var keywords = []struct {
	prefix  string
	variant Variant
}{
	{"/summary", Summary},
	{"/activity", Activity},
	{"/quote", Quote},
}

// Classify returns the command variant text starts with.
//
// A keyword matches case-insensitively at the very start of text and may be
// followed by "@<botHandle>" when botHandle is non-empty. The match must end
// the text or be followed by whitespace, so "/summaryfoo" and
// "/summary@otherbot" are Plain.
func Classify(text, botHandle string) Variant {
	handle := strings.TrimPrefix(strings.TrimSpace(botHandle), "@")
	for _, kw := range keywords {
		if !hasPrefixFold(text, kw.prefix) {
			continue
		}
		rest := text[len(kw.prefix):]
		if atBoundary(rest) {
			return kw.variant
		}
		if handle != "" && strings.HasPrefix(rest, "@") {
			mention := rest[1:]
			if hasPrefixFold(mention, handle) && atBoundary(mention[len(handle):]) {
				return kw.variant
			}
		}
		// Keywords share no prefix, so no other keyword can match.
		return Plain
	}
	return Plain
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func atBoundary(rest string) bool {
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsSpace(r)
}
