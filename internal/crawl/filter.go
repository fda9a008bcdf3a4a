package crawl

import (
	"fmt"
	"regexp"
)

// Filter applies per-job include/exclude URL patterns. A URL passes when it
// matches at least one include pattern (or none are configured) and matches no
// exclude pattern. Exclusion wins over inclusion.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// NewFilter compiles the pattern lists. Empty pattern strings are skipped; an
// invalid pattern fails the whole filter so bad jobs are rejected up front.
func NewFilter(include, exclude []string) (*Filter, error) {
	f := &Filter{}
	for _, raw := range include {
		if raw == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile include pattern %q: %w", raw, err)
		}
		f.include = append(f.include, re)
	}
	for _, raw := range exclude {
		if raw == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", raw, err)
		}
		f.exclude = append(f.exclude, re)
	}
	if len(f.include) == 0 && len(f.exclude) == 0 {
		return nil, nil
	}
	return f, nil
}

// Allow reports whether the URL passes the filter. A nil filter allows all.
func (f *Filter) Allow(url string) bool {
	if f == nil {
		return true
	}
	for _, re := range f.exclude {
		if re.MatchString(url) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, re := range f.include {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}
