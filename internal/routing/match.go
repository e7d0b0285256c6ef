package routing

import (
	"fmt"
	"strings"
)

type MatchKind int

const (
	MatchPrefix MatchKind = iota
	MatchSuffix
	MatchExact
)

type Matcher struct {
	Kind    MatchKind
	Pattern string
}

func (m Matcher) Match(path string) bool {
	switch m.Kind {
	case MatchPrefix:
		return strings.HasPrefix(path, m.Pattern)
	case MatchSuffix:
		// extensions are matched case-insensitively: /LOGO.PNG is an image
		return strings.HasSuffix(strings.ToLower(path), strings.ToLower(m.Pattern))
	case MatchExact:
		return path == m.Pattern
	}
	return false
}

func (m Matcher) String() string {
	switch m.Kind {
	case MatchPrefix:
		return "PathPrefix(" + m.Pattern + ")"
	case MatchSuffix:
		return "PathSuffix(" + m.Pattern + ")"
	default:
		return "Path(" + m.Pattern + ")"
	}
}

// ParseMatch parses an expression such as
//
//	PathPrefix(/api/) | PathSuffix(.css) | Path(/)
func ParseMatch(expr string) ([]Matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]Matcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m, err := parseOne(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func parseOne(p string) (Matcher, error) {
	open := strings.IndexByte(p, '(')
	if open < 0 || !strings.HasSuffix(p, ")") {
		return Matcher{}, fmt.Errorf("expected Func(arg), got %q", p)
	}
	fn := strings.TrimSpace(p[:open])
	inside := strings.TrimSpace(p[open+1 : len(p)-1])
	if inside == "" {
		return Matcher{}, fmt.Errorf("empty argument in %q", p)
	}

	switch fn {
	case "PathPrefix":
		if !strings.HasPrefix(inside, "/") {
			return Matcher{}, fmt.Errorf("invalid prefix %q", inside)
		}
		return Matcher{Kind: MatchPrefix, Pattern: inside}, nil
	case "PathSuffix":
		return Matcher{Kind: MatchSuffix, Pattern: inside}, nil
	case "Path":
		if !strings.HasPrefix(inside, "/") {
			return Matcher{}, fmt.Errorf("invalid path %q", inside)
		}
		return Matcher{Kind: MatchExact, Pattern: inside}, nil
	}
	return Matcher{}, fmt.Errorf("only PathPrefix(...), PathSuffix(...) and Path(...) supported, got %q", p)
}
