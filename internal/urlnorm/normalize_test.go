package urlnorm_test

import (
	"net/url"
	"testing"

	"github.com/docspasta/crawler-engine/internal/urlnorm"
	"github.com/stretchr/testify/require"
)

func TestNormalize_LowercasesHostAndDropsDefaultPort(t *testing.T) {
	got, err := urlnorm.Normalize("HTTPS://Docs.Example.com:443/Guide", nil)
	require.NoError(t, err)
	require.Equal(t, "https://docs.example.com/Guide", got)
}

func TestNormalize_StripsFragmentAndTrackingParams(t *testing.T) {
	got, err := urlnorm.Normalize("https://docs.example.com/guide?utm_source=x&gclid=y&keep=1#section", nil)
	require.NoError(t, err)
	require.Equal(t, "https://docs.example.com/guide?keep=1", got)
}

func TestNormalize_TrimsExactlyOneTrailingSlashExceptRoot(t *testing.T) {
	got, err := urlnorm.Normalize("https://docs.example.com/guide/", nil)
	require.NoError(t, err)
	require.Equal(t, "https://docs.example.com/guide", got)

	root, err := urlnorm.Normalize("https://docs.example.com/", nil)
	require.NoError(t, err)
	require.Equal(t, "https://docs.example.com/", root)
}

func TestNormalize_ResolvesRelativeAgainstBase(t *testing.T) {
	base, _ := url.Parse("https://docs.example.com/guide/intro")
	got, err := urlnorm.Normalize("../reference", base)
	require.NoError(t, err)
	require.Equal(t, "https://docs.example.com/reference", got)
}

func TestNormalize_RejectsUnsupportedScheme(t *testing.T) {
	_, err := urlnorm.Normalize("mailto:someone@example.com", nil)
	require.Error(t, err)
}

func TestNormalize_IsIdempotent(t *testing.T) {
	raw := "HTTPS://Docs.Example.com:443/Guide/?utm_source=x#frag"
	once, err := urlnorm.Normalize(raw, nil)
	require.NoError(t, err)
	twice, err := urlnorm.Normalize(once, nil)
	require.NoError(t, err)
	require.Equal(t, once, twice)
}

func TestPermutations_CoversSchemeHostSlashAxes(t *testing.T) {
	perms, err := urlnorm.Permutations("https://docs.example.com/guide")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"https://docs.example.com/guide",
		"https://docs.example.com/guide/",
		"https://www.docs.example.com/guide",
		"https://www.docs.example.com/guide/",
		"http://docs.example.com/guide",
		"http://docs.example.com/guide/",
		"http://www.docs.example.com/guide",
		"http://www.docs.example.com/guide/",
	}, perms)
}

func TestPermutations_RootPathHasNoSlashVariant(t *testing.T) {
	perms, err := urlnorm.Permutations("https://docs.example.com/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"https://docs.example.com/",
		"https://www.docs.example.com/",
		"http://docs.example.com/",
		"http://www.docs.example.com/",
	}, perms)
}

func TestIsDocumentationURL_RejectsAssetPathsAndExtensions(t *testing.T) {
	require.False(t, urlnorm.IsDocumentationURL("https://docs.example.com/assets/logo.png"))
	require.False(t, urlnorm.IsDocumentationURL("https://docs.example.com/static/app.js"))
	require.False(t, urlnorm.IsDocumentationURL("https://docs.example.com/whitepaper.pdf"))
	require.True(t, urlnorm.IsDocumentationURL("https://docs.example.com/guide/intro"))
}

func TestScopeFilter_SameOriginOnlyByDefault(t *testing.T) {
	filter, errs := urlnorm.NewScopeFilter("https://docs.example.com/", false, nil, nil)
	require.Empty(t, errs)
	require.True(t, filter.Accepts("https://docs.example.com/guide"))
	require.False(t, filter.Accepts("https://other.example.com/guide"))
}

func TestScopeFilter_FollowExternalLinksAllowsCrossOrigin(t *testing.T) {
	filter, errs := urlnorm.NewScopeFilter("https://docs.example.com/", true, nil, nil)
	require.Empty(t, errs)
	require.True(t, filter.Accepts("https://other.example.com/guide"))
}

func TestScopeFilter_IncludeAndExcludePaths(t *testing.T) {
	filter, errs := urlnorm.NewScopeFilter("https://docs.example.com/", false, []string{`^/guide/`}, []string{`/internal/`})
	require.Empty(t, errs)
	require.True(t, filter.Accepts("https://docs.example.com/guide/intro"))
	require.False(t, filter.Accepts("https://docs.example.com/reference/intro"))
	require.False(t, filter.Accepts("https://docs.example.com/guide/internal/secret"))
}
