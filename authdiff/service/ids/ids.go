// Package ids creates short identifiers for rewrite rules. Identifiers are lowercase so they
// can be typed on the CLI without worrying about case.
package ids

import (
	"crypto/rand"
	"errors"
)

const (
	// RulePrefix marks identifiers created for rewrite rules.
	RulePrefix = "r-"
	// DefaultLength is the number of random characters after the prefix.
	DefaultLength = 6

	alphabet    = "0123456789abcdefghijklmnopqrstuvwxyz"
	maxAttempts = 32
)

// ErrExhausted is returned when no free identifier was found.
var ErrExhausted = errors.New("no free identifier available")

// Random returns length random characters from the identifier alphabet.
func Random(length int) string {
	if length <= 0 {
		length = DefaultLength
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	const limit = 252 // largest multiple of len(alphabet) below 256
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out)
}

// NewRule returns a rule identifier not reported by taken. taken may be nil.
func NewRule(taken func(id string) bool) (string, error) {
	for range maxAttempts {
		id := RulePrefix + Random(DefaultLength)
		if taken == nil || !taken(id) {
			return id, nil
		}
	}
	return "", ErrExhausted
}
