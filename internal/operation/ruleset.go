package operation

import (
	"fmt"
	"path"
	"strings"

	pagecache "github.com/eugener/pagecache/internal"
)

// Rule assigns an operation to request paths matching Pattern. Patterns use
// path.Match syntax; a trailing "/**" also matches every path below the
// prefix.
type Rule struct {
	Name      string
	Pattern   string
	Operation *Operation
}

// Ruleset selects the operation for a request. The first matching rule wins.
type Ruleset struct {
	rules []Rule
}

// NewRuleset validates the patterns and returns a Ruleset.
func NewRuleset(rules ...Rule) (*Ruleset, error) {
	for _, r := range rules {
		if r.Operation == nil {
			return nil, fmt.Errorf("rule %q: no operation: %w", r.Name, pagecache.ErrBadConfig)
		}
		if _, err := path.Match(strings.TrimSuffix(r.Pattern, "/**"), "/"); err != nil {
			return nil, fmt.Errorf("rule %q: pattern %q: %w", r.Name, r.Pattern, pagecache.ErrBadConfig)
		}
	}
	return &Ruleset{rules: rules}, nil
}

// Match returns the rule for a request path, or false when no rule applies.
func (rs *Ruleset) Match(urlPath string) (Rule, bool) {
	if rs == nil {
		return Rule{}, false
	}
	for _, r := range rs.rules {
		if matchPattern(r.Pattern, urlPath) {
			return r, true
		}
	}
	return Rule{}, false
}

// Namespaces returns the distinct RAM cache namespaces used by rules with
// RAM caching on, in rule order.
func (rs *Ruleset) Namespaces() []string {
	if rs == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range rs.rules {
		if !r.Operation.settings.RAMCache {
			continue
		}
		ns := r.Operation.Namespace()
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	return out
}

// Len returns the number of rules.
func (rs *Ruleset) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

func matchPattern(pattern, urlPath string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if prefix == "" || urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/") {
			return true
		}
	}
	ok, _ := path.Match(pattern, urlPath)
	return ok
}
