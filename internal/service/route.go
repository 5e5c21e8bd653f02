package service

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Route maps request URIs under a base path onto a single forward target.
type Route struct {
	basePath      string // always ends with "/"
	forwardTarget string // never ends with "/"
}

// NewRoute normalizes basePath to end with "/" and forwardTarget to not end
// with "/".
func NewRoute(basePath, forwardTarget string) (*Route, error) {
	if basePath == "" {
		return nil, errors.New("route: base path is empty")
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath += "/"
	}

	forwardTarget = strings.TrimSuffix(forwardTarget, "/")
	u, err := url.Parse(forwardTarget)
	if err != nil {
		return nil, fmt.Errorf("route: parse forward target: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("route: forward target %q is not an absolute http(s) URL", forwardTarget)
	}

	return &Route{basePath: basePath, forwardTarget: forwardTarget}, nil
}

// BasePath returns the normalized base path.
func (r *Route) BasePath() string { return r.basePath }

// ForwardTarget returns the normalized forward target.
func (r *Route) ForwardTarget() string { return r.forwardTarget }

// Match reports whether uri lies under the base path. The comparison is
// byte-wise and case-sensitive.
func (r *Route) Match(uri string) error {
	if !strings.HasPrefix(uri, r.basePath) {
		return fmt.Errorf("%w: %s", ErrPathMismatch, uri)
	}
	return nil
}

// Rewrite returns the upstream URL for uri. The slash that ends the base path
// is kept, so "/base/x?q" becomes target+"/x?q" and "/base/" the target root.
func (r *Route) Rewrite(uri string) (*url.URL, error) {
	if err := r.Match(uri); err != nil {
		return nil, err
	}
	u, err := url.Parse(r.forwardTarget + uri[len(r.basePath)-1:])
	if err != nil {
		return nil, fmt.Errorf("rewrite %s: %w", uri, err)
	}
	return u, nil
}
