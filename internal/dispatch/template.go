package dispatch

import (
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\s*([A-Za-z0-9_.\-]+)\s*\}`)

// Render substitutes {field} placeholders from fields. Lookup falls back to a
// case-insensitive match; unresolved placeholders render as empty strings.
func Render(template string, fields map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := fields[key]; ok {
			return v
		}
		for k, v := range fields {
			if strings.EqualFold(k, key) {
				return v
			}
		}
		return ""
	})
}
