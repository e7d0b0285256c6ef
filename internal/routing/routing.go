// Package routing classifies request paths into resource classes and maps
// each class to a caching strategy and a cache partition role.
package routing

import (
	"fmt"
	"net/url"
)

type Class string

const (
	ClassStatic       Class = "static-asset"
	ClassImage        Class = "image"
	ClassAPI          Class = "api-call"
	ClassPage         Class = "page"
	ClassUnclassified Class = "unclassified"
)

// classOrder is the matching precedence.
var classOrder = []Class{ClassStatic, ClassImage, ClassAPI, ClassPage}

func ParseClass(s string) (Class, error) {
	switch c := Class(s); c {
	case ClassStatic, ClassImage, ClassAPI, ClassPage:
		return c, nil
	}
	return "", fmt.Errorf("unknown resource class %q", s)
}

type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Role is the logical cache partition a strategy reads and writes.
type Role string

const (
	RoleStatic  Role = "static"
	RoleDynamic Role = "dynamic"
	RoleImage   Role = "image"
)

// Roles lists every partition role, in partition-name order.
var Roles = []Role{RoleDynamic, RoleImage, RoleStatic}

type Route struct {
	Strategy Strategy
	Role     Role
}

var defaultRoutes = map[Class]Route{
	ClassStatic:       {Strategy: CacheFirst, Role: RoleStatic},
	ClassImage:        {Strategy: CacheFirst, Role: RoleImage},
	ClassAPI:          {Strategy: NetworkFirst, Role: RoleDynamic},
	ClassPage:         {Strategy: StaleWhileRevalidate, Role: RoleDynamic},
	ClassUnclassified: {Strategy: NetworkFirst, Role: RoleDynamic},
}

// Table is the routing configuration: ordered path patterns per class and
// the route taken by each class. A Table is immutable after construction and
// safe for concurrent use.
type Table struct {
	rules  map[Class][]Matcher
	routes map[Class]Route
}

// NewTable builds a table from per-class patterns. Classes missing from
// rules never match. Routes are the fixed class → strategy mapping.
func NewTable(rules map[Class][]Matcher) *Table {
	t := &Table{
		rules:  make(map[Class][]Matcher, len(rules)),
		routes: make(map[Class]Route, len(defaultRoutes)),
	}
	for c, ms := range rules {
		t.rules[c] = append([]Matcher(nil), ms...)
	}
	for c, r := range defaultRoutes {
		t.routes[c] = r
	}
	return t
}

// DefaultTable returns a table with the built-in patterns.
func DefaultTable() *Table {
	return NewTable(DefaultRules())
}

// DefaultRules returns a fresh copy of the built-in patterns.
func DefaultRules() map[Class][]Matcher {
	rules := make(map[Class][]Matcher, len(defaultPatterns))
	for c, expr := range defaultPatterns {
		ms, err := ParseMatch(expr)
		if err != nil {
			panic(fmt.Sprintf("routing: bad default pattern for %s: %v", c, err))
		}
		rules[c] = ms
	}
	return rules
}

var defaultPatterns = map[Class]string{
	ClassStatic: "PathPrefix(/assets/css/) | PathPrefix(/assets/js/) | PathPrefix(/assets/fonts/) | " +
		"PathSuffix(.css) | PathSuffix(.js) | PathSuffix(.woff2) | PathSuffix(.woff) | PathSuffix(.ttf) | " +
		"Path(/manifest.json)",
	ClassImage: "PathPrefix(/assets/images/) | PathPrefix(/images/) | PathSuffix(.png) | PathSuffix(.jpg) | " +
		"PathSuffix(.jpeg) | PathSuffix(.gif) | PathSuffix(.webp) | PathSuffix(.svg) | PathSuffix(.ico)",
	ClassAPI:  "PathPrefix(/api/)",
	ClassPage: "Path(/) | PathSuffix(.html) | PathSuffix(/)",
}

// Classify maps a URL path to its resource class. It is pure and total.
func (t *Table) Classify(path string) Class {
	for _, c := range classOrder {
		for _, m := range t.rules[c] {
			if m.Match(path) {
				return c
			}
		}
	}
	return ClassUnclassified
}

func (t *Table) Route(c Class) Route {
	if r, ok := t.routes[c]; ok {
		return r
	}
	return t.routes[ClassUnclassified]
}

// Interceptable reports whether u uses a scheme the intermediary can fetch.
func Interceptable(u *url.URL) bool {
	return u != nil && (u.Scheme == "http" || u.Scheme == "https")
}
