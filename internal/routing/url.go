package routing

import (
	"net/url"
	"strings"
)

// OnOrigin maps a proxy-relative URL onto origin. The origin's path is a base
// that ref's path is appended to, so with origin http://h/store the request
// /a.css goes to http://h/store/a.css. Escaping of both paths is kept.
func OnOrigin(origin, ref *url.URL) *url.URL {
	u := *origin
	rp := ref.EscapedPath()
	if !strings.HasPrefix(rp, "/") {
		rp = "/" + rp
	}
	ep := strings.TrimRight(origin.EscapedPath(), "/") + rp
	if p, err := url.PathUnescape(ep); err == nil {
		u.Path, u.RawPath = p, ep
	} else {
		u.Path, u.RawPath = strings.TrimRight(origin.Path, "/")+"/"+strings.TrimLeft(ref.Path, "/"), ""
	}
	u.RawQuery = ref.RawQuery
	u.ForceQuery = false
	u.Fragment, u.RawFragment = "", ""
	return &u
}

// ResolveRef parses a configured or discovered reference into the URL the
// interceptor would key it by. Absolute http(s) references stand alone,
// scheme-relative ones take the origin's scheme, and the rest go through
// OnOrigin.
func ResolveRef(origin *url.URL, ref string) (*url.URL, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	switch {
	case r.IsAbs():
	case r.Host != "":
		r.Scheme = origin.Scheme
	default:
		return OnOrigin(origin, r), nil
	}
	r.Fragment, r.RawFragment = "", ""
	return r, nil
}
