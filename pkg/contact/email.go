package contact

import (
	"fmt"
	"strings"
)

// NormalizeEmail lowercases and trims an email address. It rejects values
// without a local part or a dotted domain.
func NormalizeEmail(raw string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndex(e, "@")
	if at <= 0 || at == len(e)-1 {
		return "", fmt.Errorf("%w: email %q", ErrInvalidContact, raw)
	}
	domain := e[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", fmt.Errorf("%w: email %q", ErrInvalidContact, raw)
	}
	if strings.ContainsAny(e, " \t\n") {
		return "", fmt.Errorf("%w: email %q", ErrInvalidContact, raw)
	}
	return e, nil
}
