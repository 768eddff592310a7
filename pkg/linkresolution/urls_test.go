package linkresolution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsShortenedURL(t *testing.T) {
	assert.True(t, IsShortenedURL("https://bit.ly/abc"))
	assert.True(t, IsShortenedURL("http://t.co/xyz"))
	assert.True(t, IsShortenedURL("https://on.wsj.com/3x"))
	assert.False(t, IsShortenedURL("https://www.nytimes.com/2020/story.html"))
	assert.False(t, IsShortenedURL("https://notbit.ly/abc"))
}

func TestParseAMPURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://www-example-com.cdn.ampproject.org/c/s/www.example.com/a", "https://www.example.com/a", true},
		{"https://www-example-com.cdn.ampproject.org/c/www.example.com/a?x=1", "http://www.example.com/a?x=1", true},
		{"https://www.google.com/amp/s/www.example.com/story", "https://www.example.com/story", true},
		{"https://www.google.com/search?q=amp", "", false},
		{"https://www.example.com/amp/s/other.com", "", false},
		{"https://x.cdn.ampproject.org/", "", false},
		{"::bad", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseAMPURL(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestUnwrapSocialURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://l.facebook.com/l.php?u=https%3A%2F%2Fnews.test%2Fa&h=AT0", "https://news.test/a", true},
		{"https://out.reddit.com/t3_abc?url=https%3A%2F%2Fnews.test%2Fb", "https://news.test/b", true},
		{"https://www.google.com/url?q=https://news.test/c&sa=D", "https://news.test/c", true},
		{"https://www.youtube.com/redirect?q=https%3A%2F%2Fnews.test%2Fd", "https://news.test/d", true},
		{"https://l.facebook.com/l.php?u=javascript:alert(1)", "", false},
		{"https://www.facebook.com/l.php?u=https%3A%2F%2Fnews.test%2Fa", "", false},
		{"https://news.test/e", "", false},
	}
	for _, tt := range tests {
		got, ok := UnwrapSocialURL(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestResolveIfNeeded(t *testing.T) {
	web := newFakeWeb(map[string]route{
		"https://bit.ly/story": {status: 301, location: "https://www.google.com/amp/s/news.test/story"},
		"https://www.google.com/amp/s/news.test/story": {status: 200},
	})
	r := newTestResolver(t, web)
	ctx := context.Background()

	res, err := r.ResolveIfNeeded(ctx, "https://bit.ly/story")
	require.NoError(t, err)
	assert.Equal(t, Result{Source: "https://bit.ly/story", Destination: "https://news.test/story"}, res)

	wrapped := "https://l.facebook.com/l.php?u=https%3A%2F%2Fbit.ly%2Fstory"
	res, err = r.ResolveIfNeeded(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, Result{Source: wrapped, Destination: "https://news.test/story"}, res)

	res, err = r.ResolveIfNeeded(ctx, "https://news.test/direct")
	require.NoError(t, err)
	assert.Equal(t, "https://news.test/direct", res.Destination)
	assert.Equal(t, 0, web.callsFor("https://news.test/direct"))

	_, err = r.ResolveIfNeeded(ctx, "https://bit.ly/unknown")
	assert.Equal(t, KindNetwork, KindOf(err))
}
