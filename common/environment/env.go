// Package environment reads samebot configuration from environment variables.
//
// Every helper returns the parsed value or a caller-supplied default; only
// RequiredString reports an error, and it never exits the process.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the parsed value of name, or def when the variable is unset,
// empty, or fails to parse.
func lookup[T any](name string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

// String returns the raw value of name and whether it was set at all.
func String(name string) (string, bool) {
	return os.LookupEnv(name)
}

// StringOr returns the value of name, or def when it is unset or empty.
func StringOr(name, def string) string {
	return lookup(name, def, func(s string) (string, error) { return s, nil })
}

// RequiredString returns the value of name or an error when it is unset or empty.
func RequiredString(name string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("required environment variable %q is not set", name)
}

// BoolOr parses name with strconv.ParseBool.
func BoolOr(name string, def bool) bool {
	return lookup(name, def, strconv.ParseBool)
}

// IntOr parses name as a base-10 integer.
func IntOr(name string, def int) int {
	return lookup(name, def, strconv.Atoi)
}

// FloatOr parses name as a float64. Used for the memory policy constants.
func FloatOr(name string, def float64) float64 {
	return lookup(name, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// DurationOr parses name with time.ParseDuration ("30s", "6h").
func DurationOr(name string, def time.Duration) time.Duration {
	return lookup(name, def, time.ParseDuration)
}

// StringSliceOr splits name on commas and drops empty elements. An empty
// result yields def.
func StringSliceOr(name string, def []string) []string {
	return lookup(name, def, func(s string) ([]string, error) {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("empty list")
		}
		return out, nil
	})
}
