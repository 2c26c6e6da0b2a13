package urlnorm

import (
	"net/url"
	"regexp"
	"strings"
)

var excludedPathSegments = []string{
	"/assets/", "/images/", "/img/", "/css/", "/js/",
	"/fonts/", "/static/", "/media/",
}

var excludedExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".svg", ".ico",
	".css", ".js", ".map", ".mp4", ".webm", ".mp3", ".wav",
	".ttf", ".woff", ".woff2", ".eot", ".pdf", ".zip", ".tar",
}

// IsDocumentationURL rejects asset and binary paths that can never hold
// documentation content.
func IsDocumentationURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)

	for _, seg := range excludedPathSegments {
		if strings.Contains(path, seg) {
			return false
		}
	}
	for _, ext := range excludedExtensions {
		if strings.HasSuffix(path, ext) {
			return false
		}
	}
	return true
}

// ScopeFilter applies the crawl scope rules: same-origin unless
// followExternalLinks, include-path allowlist, exclude-path denylist.
type ScopeFilter struct {
	seedHost            string
	followExternalLinks bool
	include             []*regexp.Regexp
	exclude             []*regexp.Regexp
}

// NewScopeFilter compiles the include/exclude regex lists. Patterns that
// fail to compile are skipped (logged by the caller) rather than
// failing construction.
func NewScopeFilter(seedURL string, followExternalLinks bool, includePaths, excludePaths []string) (*ScopeFilter, []error) {
	var compileErrs []error
	seed, err := url.Parse(seedURL)
	host := ""
	if err == nil {
		host = seed.Host
	}

	f := &ScopeFilter{seedHost: host, followExternalLinks: followExternalLinks}
	for _, p := range includePaths {
		re, err := regexp.Compile(p)
		if err != nil {
			compileErrs = append(compileErrs, err)
			continue
		}
		f.include = append(f.include, re)
	}
	for _, p := range excludePaths {
		re, err := regexp.Compile(p)
		if err != nil {
			compileErrs = append(compileErrs, err)
			continue
		}
		f.exclude = append(f.exclude, re)
	}
	return f, compileErrs
}

// Accepts reports whether rawURL (already normalized) is in scope.
func (f *ScopeFilter) Accepts(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	if !f.followExternalLinks && u.Host != f.seedHost {
		return false
	}

	if len(f.include) > 0 {
		matched := false
		for _, re := range f.include {
			if re.MatchString(u.Path) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, re := range f.exclude {
		if re.MatchString(u.Path) {
			return false
		}
	}

	return true
}
