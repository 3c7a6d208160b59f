// Package contact canonicalizes the phone numbers and email addresses that
// surface mid-conversation so that lookups in the commerce backend compare
// like with like.
package contact

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/text/width"
)

// ErrInvalidContact is returned when a phone or email cannot be normalized.
var ErrInvalidContact = errors.New("invalid contact")

// minPhoneDigits is the shortest digit run accepted as a callback number.
const minPhoneDigits = 10

// NormalizePhone canonicalizes a raw phone number to an E.164-like string.
//
// This is a heuristic, not full E.164 validation:
//   - a leading "+" keeps the country code as given
//   - exactly 10 digits is assumed to be a US number and gets "+1"
//   - 11 digits starting with 1 gets "+"
//   - anything else gets "+" in front of the remaining digits
func NormalizePhone(raw string) (string, error) {
	trimmed := strings.TrimSpace(width.Fold.String(raw))
	digits := DigitsOnly(trimmed)
	if digits == "" {
		return "", ErrInvalidContact
	}

	switch {
	case strings.HasPrefix(trimmed, "+"):
		return "+" + digits, nil
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, nil
	default:
		return "+" + digits, nil
	}
}

// DigitsOnly strips every non-digit rune from s.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Last10 returns the last ten digits of a phone number, or all of them when
// fewer are present. Two numbers match when their suffixes are equal.
func Last10(phone string) string {
	digits := DigitsOnly(width.Fold.String(phone))
	if len(digits) <= 10 {
		return digits
	}
	return digits[len(digits)-10:]
}

// SamePhone reports whether two phone numbers share a non-empty 10-digit suffix.
func SamePhone(a, b string) bool {
	sa, sb := Last10(a), Last10(b)
	return len(sa) == 10 && sa == sb
}

// digitRun matches a run of digits with common separators in between.
var digitRun = regexp.MustCompile(`\+?\d[\d\s\-.()]{8,}\d`)

// ExtractPhoneFromText pulls a best-guess phone number out of free text such
// as a call transcript. Written-out numbers ("six one nine ...") are
// transliterated when no numeric run is present. It returns the digits and
// false when fewer than ten digits can be recovered.
func ExtractPhoneFromText(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	folded := width.Fold.String(text)

	for _, m := range digitRun.FindAllString(folded, -1) {
		if d := DigitsOnly(m); len(d) >= minPhoneDigits {
			return d, true
		}
	}

	d := wordsToDigits(folded)
	if len(d) >= minPhoneDigits {
		return d, true
	}
	return "", false
}

var wordDigits = map[string]string{
	"zero": "0", "oh": "0", "o": "0",
	"one": "1", "two": "2", "three": "3", "four": "4", "for": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
}

// wordsToDigits transliterates spelled digits token by token. A run of digits
// is broken by any token that is neither a digit word, a numeral, nor a
// repeater ("double", "triple"); the longest run wins.
func wordsToDigits(text string) string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ',' || r == '.' || r == ';' || r == ':'
	})

	var best, cur strings.Builder
	repeat := 1
	flush := func() {
		if cur.Len() > best.Len() {
			best.Reset()
			best.WriteString(cur.String())
		}
		cur.Reset()
		repeat = 1
	}

	for _, tok := range tokens {
		parts := strings.Split(tok, "-")
		matched := false
		for _, p := range parts {
			p = strings.Trim(p, "()!?\"'")
			if p == "" {
				continue
			}
			switch {
			case p == "double":
				repeat = 2
				matched = true
			case p == "triple":
				repeat = 3
				matched = true
			case wordDigits[p] != "":
				cur.WriteString(strings.Repeat(wordDigits[p], repeat))
				repeat = 1
				matched = true
			case DigitsOnly(p) == p:
				cur.WriteString(p)
				repeat = 1
				matched = true
			}
		}
		if !matched {
			flush()
		}
	}
	flush()
	return best.String()
}
