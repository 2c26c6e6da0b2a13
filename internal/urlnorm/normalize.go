// Package urlnorm implements the URL normalizer and filter: canonical
// form, dedup permutations, documentation-path validity, and scope
// filtering.
package urlnorm

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/docspasta/crawler-engine/internal/crawlerrors"
)

var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
}

func isTrackingParam(key string) bool {
	if trackingParams[key] {
		return true
	}
	return strings.HasPrefix(key, "utm_")
}

// Normalize produces the canonical form of rawURL, resolving it against
// base if it is relative. Canonicalization: lowercase host, default port
// dropped, fragment removed, tracking query params stripped, path case
// preserved, exactly one trailing slash stripped except at root.
func Normalize(rawURL string, base *url.URL) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", crawlerrors.New(crawlerrors.InvalidUrl, "Normalize", err)
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", crawlerrors.New(crawlerrors.InvalidUrl, "Normalize", fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return "", crawlerrors.New(crawlerrors.InvalidUrl, "Normalize", fmt.Errorf("missing host"))
	}

	u.Host = strings.ToLower(u.Host)
	u.Host = dropDefaultPort(u.Host, u.Scheme)
	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if isTrackingParam(key) {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
	}

	if u.Path == "" {
		u.Path = "/"
	}
	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

func dropDefaultPort(host, scheme string) string {
	defaultPort := map[string]string{"http": ":80", "https": ":443"}[scheme]
	if defaultPort != "" && strings.HasSuffix(host, defaultPort) {
		return strings.TrimSuffix(host, defaultPort)
	}
	return host
}

// Permutations returns the set of canonical forms that must all be
// considered equivalent for dedup: {http,https} x {host, www.host} x
// {trailing slash present, absent for non-root paths}.
func Permutations(normalized string) ([]string, error) {
	u, err := url.Parse(normalized)
	if err != nil {
		return nil, crawlerrors.New(crawlerrors.InvalidUrl, "Permutations", err)
	}

	hosts := []string{u.Host}
	if strings.HasPrefix(u.Host, "www.") {
		hosts = append(hosts, strings.TrimPrefix(u.Host, "www."))
	} else {
		hosts = append(hosts, "www."+u.Host)
	}

	paths := []string{u.Path}
	if u.Path != "/" {
		paths = append(paths, u.Path+"/")
	}

	var out []string
	for _, scheme := range []string{"http", "https"} {
		for _, host := range hosts {
			for _, path := range paths {
				v := *u
				v.Scheme = scheme
				v.Host = host
				v.Path = path
				out = append(out, v.String())
			}
		}
	}
	return out, nil
}
