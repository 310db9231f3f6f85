// Package config handles device YAML config loading.
package config

import (
	"os"
	"strings"
)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references in the raw
// device YAML before parsing. A set, non-empty variable wins over the
// default. An unset variable without a default expands to the empty string;
// required values fail at config validation, not here. Only braced
// references are recognized: a bare $VAR or a malformed name stays as
// written, so literal dollar signs in config values survive.
func ExpandEnv(input string) string {
	var out strings.Builder
	for {
		start := strings.Index(input, "${")
		if start < 0 {
			break
		}
		end := strings.Index(input[start:], "}")
		if end < 0 {
			break
		}
		ref := input[start+2 : start+end]
		name, fallback, _ := strings.Cut(ref, ":-")
		if !validEnvName(name) {
			out.WriteString(input[:start+end+1])
			input = input[start+end+1:]
			continue
		}
		out.WriteString(input[:start])
		if v, ok := os.LookupEnv(name); ok && v != "" {
			out.WriteString(v)
		} else {
			out.WriteString(fallback)
		}
		input = input[start+end+1:]
	}
	out.WriteString(input)
	return out.String()
}

// validEnvName reports whether name is a portable environment variable
// name: a letter or underscore followed by letters, digits, or underscores.
func validEnvName(name string) bool {
	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return name != ""
}
