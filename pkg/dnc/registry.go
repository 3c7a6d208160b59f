// Package dnc is the local do-not-call registry: an append-only set of phone
// numbers that must never be dialed or messaged again.
//
// Every store keys entries by the E.164 form from contact.NormalizePhone, so
// "(619) 458-7071" and "+16194587071" are the same entry.
package dnc

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/callbridge/pkg/contact"
)

// Registry is the do-not-call set. Entries are never removed.
type Registry interface {
	// Add records phone. Adding an existing entry is a no-op.
	Add(ctx context.Context, phone string) error
	// Contains reports whether phone is registered.
	Contains(ctx context.Context, phone string) (bool, error)
	// List returns every entry in E.164 form, sorted.
	List(ctx context.Context) ([]string, error)
}

// Key normalizes a phone to the registry's storage form.
func Key(phone string) (string, error) {
	k, err := contact.NormalizePhone(phone)
	if err != nil {
		return "", fmt.Errorf("dnc: %w", err)
	}
	return k, nil
}
