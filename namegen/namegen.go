// Package namegen gives instances readable names, used as their Name tag and hostname.
package namegen

import (
	"regexp"
	"strings"

	vendor "github.com/anandvarma/namegen"
)

const prefix = "farmhand"

// Longest DNS label
const maxLength = 63

var gen = vendor.New()

var invalid = regexp.MustCompile(`[^a-z0-9-]+`)

// Instance returns a fresh name for an instance of the given template, such as
// "farmhand-linux-brave-otter".
func Instance(template string) string {
	return Join(template, gen.Get())
}

// Join builds an instance name from its parts, keeping only characters valid in a hostname.
func Join(template, suffix string) string {
	parts := []string{prefix}
	if t := sanitize(template); t != "" {
		parts = append(parts, t)
	}
	name := strings.Join(append(parts, sanitize(suffix)), "-")
	if len(name) > maxLength {
		name = strings.TrimRight(name[:maxLength], "-")
	}
	return name
}

func sanitize(s string) string {
	return strings.Trim(invalid.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
