package site

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDefaultsKeepsOverrides(t *testing.T) {
	t.Parallel()

	got := Selectors{ResultLinks: "a.result"}.WithDefaults()
	assert.Equal(t, "a.result", got.ResultLinks)
	assert.Equal(t, DefaultSelectors().MainText, got.MainText)
	assert.Equal(t, DefaultSelectors().ContactClose, got.ContactClose)
}

func TestURLs(t *testing.T) {
	t.Parallel()

	u := URLs{Base: "https://example.test/", LoginPath: "/login", FeedPath: "/feed"}
	assert.Equal(t, "https://example.test/", u.Home())
	assert.Equal(t, "https://example.test/login", u.Login())
	assert.Equal(t, "https://example.test/feed", u.Feed())

	abs, err := u.Resolve("/in/jane?trk=x")
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/in/jane?trk=x", abs)

	abs, err = u.Resolve("https://other.test/in/bob")
	require.NoError(t, err)
	assert.Equal(t, "https://other.test/in/bob", abs)
}
