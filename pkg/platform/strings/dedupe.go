// Package strings holds small helpers for normalizing list-valued input,
// such as program id lists on requests and comma-split broker lists.
package strings

import "strings"

// DedupeAndTrim trims each element and drops blanks and repeats, keeping
// first-occurrence order.
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
