// Package asset handles asset identifier normalization, validation, and
// the optional allowlist of tradable assets.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// idRegex matches a normalized asset identifier: 1-10 uppercase letters
// or digits. Example: BTC, ETH, DOGE2.
var idRegex = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)

var (
	ErrEmptyID   = errors.New("asset: identifier is empty")
	ErrInvalidID = errors.New("asset: invalid identifier format")
	ErrNotListed = errors.New("asset: not in the tradable set")
)

// Normalize canonicalizes an asset identifier: surrounding whitespace is
// trimmed and the result uppercased, so "btc" and " BTC " both resolve
// to "BTC".
func Normalize(id string) (string, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return "", ErrEmptyID
	}
	if !idRegex.MatchString(id) {
		return "", fmt.Errorf("%w: %q (expected 1-10 uppercase letters or digits)",
			ErrInvalidID, id)
	}
	return id, nil
}

// List is a fixed set of tradable asset identifiers. A nil *List means no
// restriction: every well-formed identifier is tradable.
type List struct {
	ids map[string]bool
}

// NewList builds an allowlist from raw identifiers, normalizing each.
// Malformed entries are rejected so a typo in configuration fails fast
// instead of silently blocking an asset.
func NewList(ids []string) (*List, error) {
	l := &List{ids: make(map[string]bool, len(ids))}
	for _, raw := range ids {
		id, err := Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("asset list entry %q: %w", raw, err)
		}
		l.ids[id] = true
	}
	return l, nil
}

// Check returns nil if id (already normalized) is tradable under this list.
func (l *List) Check(id string) error {
	if l == nil {
		return nil
	}
	if !l.ids[id] {
		return fmt.Errorf("%w: %s", ErrNotListed, id)
	}
	return nil
}

// IDs returns the allowlisted identifiers in sorted order.
func (l *List) IDs() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.ids))
	for id := range l.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
