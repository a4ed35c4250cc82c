package emberkv

import (
	"regexp"
	"strings"
)

// literalMeta are the regex metacharacters that must be escaped before a
// glob pattern is translated, per spec.md §4.7. '*' and '?' are handled
// separately since they carry glob meaning.
const literalMeta = `.+^${}()|[]\`

// CompilePattern translates a glob-style pattern ('*' matches any run of
// characters, '?' matches exactly one, every other regex metacharacter is
// escaped to a literal) into a matcher anchored over the full stringified
// key. An empty pattern matches every key.
func CompilePattern(pattern string) (*Matcher, error) {
	if pattern == "" {
		return &Matcher{matchAll: true}, nil
	}

	var sb strings.Builder
	sb.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteByte('.')
		default:
			if strings.ContainsRune(literalMeta, r) {
				sb.WriteByte('\\')
			}
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('$')

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	return &Matcher{re: re}, nil
}

// Matcher is a compiled glob pattern. Compile once per command (see
// engine.go's handleKeys); never recompile per entry — spec.md §9.
type Matcher struct {
	re       *regexp.Regexp
	matchAll bool
}

// Match reports whether s (a stringified key) matches the compiled pattern.
func (m *Matcher) Match(s string) bool {
	if m == nil || m.matchAll {
		return true
	}
	return m.re.MatchString(s)
}
