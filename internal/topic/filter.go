package topic

import "strings"

// MaxPatterns bounds the number of exclusion patterns that are loaded.
const MaxPatterns = 64

// ParsePatterns splits a comma separated list, trimming spaces around each
// item and skipping empty ones. Items beyond MaxPatterns are ignored.
func ParsePatterns(list string) []string {
	var out []string
	for _, item := range strings.Split(list, ",") {
		item = strings.Trim(item, " ")
		if item == "" {
			continue
		}
		if len(out) == MaxPatterns {
			break
		}
		out = append(out, item)
	}
	return out
}

// Filter is an immutable set of exclusion patterns. A nil Filter excludes nothing.
type Filter struct {
	patterns []string
}

func NewFilter(patterns []string) *Filter {
	return &Filter{patterns: append([]string(nil), patterns...)}
}

// Excluded reports whether any pattern matches topic.
func (f *Filter) Excluded(topic string) bool {
	if f == nil {
		return false
	}
	for _, p := range f.patterns {
		if Match(p, topic) {
			return true
		}
	}
	return false
}

func (f *Filter) Patterns() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.patterns...)
}

func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.patterns)
}
