package models

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxGuestNameLen is the longest guest display name accepted, in runes.
const MaxGuestNameLen = 32

// ErrInvalidGuestName is returned for guest names outside the accepted shape.
var ErrInvalidGuestName = errors.New("guest name must be 1-32 characters and must not contain '@'")

// NormalizeGuestName trims name and checks it against the guest-name rules.
// '@' is reserved for labels derived from an email.
func NormalizeGuestName(name string) (string, error) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n == 0 || n > MaxGuestNameLen || strings.ContainsRune(name, '@') {
		return "", ErrInvalidGuestName
	}
	return name, nil
}
