// Package atc recognizes WHO ATC therapeutic classification codes in free
// text. A full ATC code is 7 characters (letter, 2 digits, 2 letters,
// 2 digits), but scanned documents render it with stray spaces, NBSPs and
// punctuation ("C10A A07", "N05A H03.").
package atc

import (
	"regexp"
	"strings"
)

var (
	// "Code ATC : C10A A07" and variants; the anchored form wins over a bare
	// pattern found elsewhere in the page.
	anchoredRe = regexp.MustCompile(`(?i)code\s*ATC\s*[:\-]\s*([A-Z0-9 .\x{00a0}]{6,20})`)

	compactRe = regexp.MustCompile(`\b[A-Z]\d{2}[A-Z]{2}\d{2}\b`)

	spacedRe = regexp.MustCompile(`\b([A-Z])\s*(\d)\s*(\d)\s*([A-Z])\s*([A-Z])\s*(\d)\s*(\d)\b`)

	// Same shape as spacedRe but without word boundaries; applied only to the
	// anchored capture, which may drag trailing words into the match.
	looseRe = regexp.MustCompile(`([A-Z])\s*(\d)\s*(\d)\s*([A-Z])\s*([A-Z])\s*(\d)\s*(\d)`)

	validRe = regexp.MustCompile(`^[A-Z]\d{2}[A-Z]{2}\d{2}$`)

	nonAlnumRe = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// Normalize strips separators from a raw candidate ("C10A A07", "N05A H03.")
// and returns the canonical 7-character code, or "" if the result is not a
// valid ATC code.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	s := strings.ToUpper(nonAlnumRe.ReplaceAllString(raw, ""))
	if !validRe.MatchString(s) {
		return ""
	}
	return s
}

// Level4 returns the 5-character level-4 prefix of a full ATC code, or ""
// if the input is too short.
func Level4(atc7 string) string {
	if len(atc7) < 5 {
		return ""
	}
	return atc7[:5]
}

// ExtractFromText scans free text for an ATC code. Priority order: a code
// anchored to a "Code ATC" label, then a compact code anywhere, then a
// spaced-out code anywhere. Returns the canonical code and whether one was
// found.
func ExtractFromText(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	t := strings.ReplaceAll(text, "\u00a0", " ")

	if m := anchoredRe.FindStringSubmatch(t); m != nil {
		if code := Normalize(m[1]); code != "" {
			return code, true
		}
		if g := looseRe.FindStringSubmatch(m[1]); g != nil {
			if code := Normalize(strings.Join(g[1:], "")); code != "" {
				return code, true
			}
		}
	}

	if m := compactRe.FindString(t); m != "" {
		return m, true
	}

	if m := spacedRe.FindStringSubmatch(t); m != nil {
		if code := Normalize(strings.Join(m[1:], "")); code != "" {
			return code, true
		}
	}

	return "", false
}
