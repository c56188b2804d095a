package ratelimit

import (
	"sort"

	"github.com/Cypherspark/smsync/internal/phone"
)

const DefaultClass = "default"

// Classifier maps a destination to its rate class (usually a carrier).
type Classifier interface {
	Classify(destination string) string
}

// PrefixClassifier picks the class of the longest matching digit prefix.
type PrefixClassifier struct {
	classes  map[string]string
	prefixes []string // longest first
	fallback string
}

// NewPrefixClassifier takes prefix→class pairs. Prefixes are compared on digits only,
// so "+1 201" and "1201" are equivalent.
func NewPrefixClassifier(prefixes map[string]string, fallback string) *PrefixClassifier {
	if fallback == "" {
		fallback = DefaultClass
	}
	c := &PrefixClassifier{classes: make(map[string]string, len(prefixes)), fallback: fallback}
	for p, class := range prefixes {
		d := phone.Digits(p)
		if d == "" || class == "" {
			continue
		}
		c.classes[d] = class
		c.prefixes = append(c.prefixes, d)
	}
	sort.Slice(c.prefixes, func(i, j int) bool {
		if len(c.prefixes[i]) == len(c.prefixes[j]) {
			return c.prefixes[i] < c.prefixes[j]
		}
		return len(c.prefixes[i]) > len(c.prefixes[j])
	})
	return c
}

func (c *PrefixClassifier) Classify(destination string) string {
	d := phone.Digits(destination)
	if d == "" {
		return c.fallback
	}
	for _, p := range c.prefixes {
		if len(d) >= len(p) && d[:len(p)] == p {
			return c.classes[p]
		}
	}
	return c.fallback
}
