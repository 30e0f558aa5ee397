package domain

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slugify derives a URL-safe slug from a display name: diacritics are
// stripped, letters lowercased, and runs of non-alphanumerics collapse to
// a single hyphen.
func Slugify(name string) string {
	// Decompose and drop combining marks ("Café" -> "Cafe").
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	flat, _, err := transform.String(t, name)
	if err != nil {
		flat = name
	}

	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(flat) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// UniqueSlug appends a counter until taken reports the slug as free.
// Mirrors catalog behavior: "agent-x", "agent-x-1", "agent-x-2", ...
func UniqueSlug(name string, taken func(slug string) bool) string {
	base := Slugify(name)
	if base == "" {
		base = "item"
	}
	slug := base
	for i := 1; taken(slug); i++ {
		slug = base + "-" + strconv.Itoa(i)
	}
	return slug
}
