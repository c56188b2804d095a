// Package phone canonicalizes destination addresses.
package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var ErrInvalid = errors.New("invalid_destination")

// Normalizer parses numbers relative to a default region (ISO 3166 alpha-2).
type Normalizer struct {
	Region string
}

func New(region string) *Normalizer {
	if region == "" {
		region = "US"
	}
	return &Normalizer{Region: strings.ToUpper(region)}
}

// Normalize returns the E.164 form of raw or ErrInvalid.
func (n *Normalizer) Normalize(raw string) (string, error) {
	num, err := phonenumbers.Parse(strings.TrimSpace(raw), n.Region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalid
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func (n *Normalizer) Valid(raw string) bool {
	_, err := n.Normalize(raw)
	return err == nil
}

// Canonical is the lenient form used for transport-reported addresses, which may be
// short codes or alphanumeric sender ids: E.164 when parseable, otherwise raw with
// separators stripped.
func (n *Normalizer) Canonical(raw string) string {
	if e164, err := n.Normalize(raw); err == nil {
		return e164
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
}

// Digits keeps only ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Tail returns the last n digits of s, or "" when s carries fewer than n digits.
func Tail(s string, n int) string {
	d := Digits(s)
	if n <= 0 || len(d) < n {
		return ""
	}
	return d[len(d)-n:]
}

// SameTail reports whether a and b end with the same n digits.
func SameTail(a, b string, n int) bool {
	ta := Tail(a, n)
	return ta != "" && ta == Tail(b, n)
}
