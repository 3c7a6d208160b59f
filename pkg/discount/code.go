package discount

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// suffixAlphabet omits 0/O and 1/I so codes survive being read aloud.
const suffixAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const suffixLen = 4

// BaseCode renders the deterministic form: a title-cased first name followed
// by the magnitude, e.g. "James12". It returns "" when name has no letters.
func BaseCode(name string, value float64) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	// A Caser is stateful; each call gets its own.
	return cases.Title(language.Und).String(b.String()) + magnitude(value)
}

// RandomCode renders the suffixed form. With an empty base it produces
// "SAVE12-7K3Q"; otherwise "James12-7K3Q".
func RandomCode(base string, value float64) (string, error) {
	suffix, err := randomSuffix(suffixLen)
	if err != nil {
		return "", err
	}
	if base == "" {
		base = "SAVE" + magnitude(value)
	}
	return base + "-" + suffix, nil
}

func magnitude(v float64) string {
	return strings.ReplaceAll(strconv.FormatFloat(v, 'f', -1, 64), ".", "")
}

func randomSuffix(n int) (string, error) {
	max := big.NewInt(int64(len(suffixAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = suffixAlphabet[idx.Int64()]
	}
	return string(out), nil
}
