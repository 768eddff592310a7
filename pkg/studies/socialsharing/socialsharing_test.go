package socialsharing

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/webscience/pkg/events"
	"github.com/entrhq/webscience/pkg/linkresolution"
	"github.com/entrhq/webscience/pkg/storage"
	"github.com/entrhq/webscience/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shareRequest(rawURL string) types.NetworkEvent {
	ev := types.NewBeforeRequestEvent("r1", "GET", rawURL, 4, nil, nil)
	ev.Timestamp = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return ev
}

func TestDetect(t *testing.T) {
	article := "https://www.nytimes.com/2024/05/01/a.html"
	esc := url.QueryEscape(article)

	cases := []struct {
		name     string
		ev       types.NetworkEvent
		platform Platform
		shared   string
		ok       bool
	}{
		{"facebook sharer", shareRequest("https://www.facebook.com/sharer/sharer.php?u=" + esc), PlatformFacebook, article, true},
		{"facebook bare host", shareRequest("https://facebook.com/sharer.php?u=" + esc), PlatformFacebook, article, true},
		{"twitter url param", shareRequest("https://twitter.com/intent/tweet?url=" + esc + "&text=read"), PlatformTwitter, article, true},
		{"x text only", shareRequest("https://x.com/intent/post?text=" + url.QueryEscape("must read "+article+" now")), PlatformTwitter, article, true},
		{"linkedin", shareRequest("https://www.linkedin.com/sharing/share-offsite/?url=" + esc), PlatformLinkedIn, article, true},
		{"reddit form", types.NewBeforeRequestEvent("r2", "POST", "https://www.reddit.com/api/submit", 1,
			map[string][]string{"kind": {"link"}, "url": {article}}, nil), PlatformReddit, article, true},
		{"reddit json body", types.NewBeforeRequestEvent("r3", "POST", "https://gql.reddit.com/api/submit", 1, nil,
			[]byte(`{"variables":{"input":{"content":{"url":"`+article+`"}}}}`)), PlatformReddit, article, true},
		{"reddit encoded body", types.NewBeforeRequestEvent("r4", "POST", "https://old.reddit.com/api/submit", 1, nil,
			[]byte("kind=link&url="+esc)), PlatformReddit, article, true},
		{"share without url", shareRequest("https://www.facebook.com/sharer/sharer.php?u=not-a-url"), "", "", false},
		{"unrelated request", shareRequest("https://www.facebook.com/home.php"), "", "", false},
		{"not a request event", types.NewResponseHeadersEvent("r5", "https://twitter.com/intent/tweet?url="+esc, 200, nil), "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			platform, shared, ok := Detect(tc.ev)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.platform, platform)
			assert.Equal(t, tc.shared, shared)
		})
	}
}

func TestParsePlatforms(t *testing.T) {
	all, err := ParsePlatforms(nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Platform{PlatformFacebook, PlatformTwitter, PlatformReddit, PlatformLinkedIn}, all)

	got, err := ParsePlatforms([]string{" Reddit", "x"})
	require.NoError(t, err)
	assert.Equal(t, []Platform{PlatformReddit, PlatformTwitter}, got)

	_, err = ParsePlatforms([]string{"myspace"})
	assert.EqualError(t, err, "unknown social platform: myspace")
}

type fakeResolver struct {
	dests map[string]string
	err   error
}

func (f *fakeResolver) ResolveIfNeeded(_ context.Context, rawURL string) (linkresolution.Result, error) {
	if f.err != nil {
		return linkresolution.Result{}, f.err
	}
	if d, ok := f.dests[rawURL]; ok {
		return linkresolution.Result{Source: rawURL, Destination: d}, nil
	}
	return linkresolution.Result{Source: rawURL, Destination: rawURL}, nil
}

func TestHandleRequest(t *testing.T) {
	resolver := &fakeResolver{dests: map[string]string{"https://nyti.ms/abc": "https://www.nytimes.com/2024/x.html"}}
	s, err := New(storage.NewMemoryBackend(), []string{"nytimes.com"}, WithResolver(resolver), WithStudyName("s1"))
	require.NoError(t, err)
	assert.Equal(t, "s1.socialSharing", s.Namespace())

	share, err := s.HandleRequest(context.Background(),
		shareRequest("https://twitter.com/intent/tweet?url="+url.QueryEscape("https://nyti.ms/abc")))
	require.NoError(t, err)
	require.NotNil(t, share)
	assert.Equal(t, int64(1), share.ID)
	assert.Equal(t, PlatformTwitter, share.Platform)
	assert.Equal(t, types.TabID(4), share.TabID)
	assert.Equal(t, "https://nyti.ms/abc", share.OriginalURL)
	assert.Equal(t, "https://www.nytimes.com/2024/x.html", share.URL)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), share.ShareTime)

	// outside the study domains
	share, err = s.HandleRequest(context.Background(),
		shareRequest("https://twitter.com/intent/tweet?url="+url.QueryEscape("https://example.org/")))
	require.NoError(t, err)
	assert.Nil(t, share)

	records, err := s.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "https://www.nytimes.com/2024/x.html", records[0].URL)
}

func TestHandleRequestResolutionError(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("connection reset")}
	s, err := New(storage.NewMemoryBackend(), []string{"nytimes.com"}, WithResolver(resolver))
	require.NoError(t, err)

	share, err := s.HandleRequest(context.Background(),
		shareRequest("https://www.facebook.com/sharer/sharer.php?u="+url.QueryEscape("https://www.nytimes.com/a")))
	require.NoError(t, err)
	require.NotNil(t, share)
	assert.Equal(t, "https://www.nytimes.com/a", share.URL)
	assert.Contains(t, share.ResolutionError, "connection reset")
}

func TestPlatformFilter(t *testing.T) {
	s, err := New(storage.NewMemoryBackend(), []string{"nytimes.com"}, WithPlatforms([]string{"reddit"}))
	require.NoError(t, err)

	share, err := s.HandleRequest(context.Background(),
		shareRequest("https://www.facebook.com/sharer/sharer.php?u="+url.QueryEscape("https://www.nytimes.com/a")))
	require.NoError(t, err)
	assert.Nil(t, share)
}

func TestNewRejectsUnknownPlatform(t *testing.T) {
	_, err := New(storage.NewMemoryBackend(), []string{"nytimes.com"}, WithPlatforms([]string{"friendster"}))
	assert.Error(t, err)
}

func TestAttach(t *testing.T) {
	clock := func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	s, err := New(storage.NewMemoryBackend(), []string{"nytimes.com"}, WithClock(clock))
	require.NoError(t, err)

	var got []Share
	s.OnShare(func(sh Share) { got = append(got, sh) })

	network := events.NewSubject[types.NetworkEvent]("network")
	unsub := s.Attach(context.Background(), network)

	ev := types.NewBeforeRequestEvent("r1", "GET",
		"https://www.linkedin.com/sharing/share-offsite/?url="+url.QueryEscape("https://www.nytimes.com/b"), 2, nil, nil)
	ev.Timestamp = time.Time{}
	network.Publish(ev)
	network.Publish(types.NewResponseHeadersEvent("r1", "https://www.linkedin.com/", 200, nil))
	s.Wait()

	require.Len(t, got, 1)
	assert.Equal(t, PlatformLinkedIn, got[0].Platform)
	assert.Equal(t, clock(), got[0].ShareTime)

	unsub()
	assert.Zero(t, network.Len())
}

func TestIsShare(t *testing.T) {
	s, err := New(storage.NewMemoryBackend(), []string{"nytimes.com"}, WithPlatforms([]string{"twitter"}))
	require.NoError(t, err)

	article := url.QueryEscape("https://www.nytimes.com/a")
	assert.True(t, s.isShare(shareRequest("https://twitter.com/intent/tweet?url="+article)))
	assert.False(t, s.isShare(shareRequest("https://www.facebook.com/sharer/sharer.php?u="+article)), "disabled platform")
	assert.False(t, s.isShare(shareRequest("https://www.nytimes.com/a")), "ordinary request")
	assert.False(t, s.isShare(types.NewResponseHeadersEvent("r1", "https://twitter.com/intent/tweet?url="+article, 200, nil)))
}

func TestWaitDropsLateRequests(t *testing.T) {
	s, err := New(storage.NewMemoryBackend(), []string{"nytimes.com"})
	require.NoError(t, err)

	network := events.NewSubject[types.NetworkEvent]("network")
	s.Attach(context.Background(), network)
	s.Wait()

	// a publish that snapshotted the listener before it was removed
	network.Publish(shareRequest("https://twitter.com/intent/tweet?url=" + url.QueryEscape("https://www.nytimes.com/late")))
	s.Wait()

	records, err := s.Records(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestWaitWhilePublishing(t *testing.T) {
	s, err := New(storage.NewMemoryBackend(), []string{"nytimes.com"})
	require.NoError(t, err)

	var mu sync.Mutex
	seen := 0
	s.OnShare(func(Share) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	network := events.NewSubject[types.NetworkEvent]("network")
	s.Attach(context.Background(), network)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			network.Publish(shareRequest("https://twitter.com/intent/tweet?url=" + url.QueryEscape("https://www.nytimes.com/"+strconv.Itoa(i))))
		}
	}()
	s.Wait()
	<-done
	s.Wait()

	records, err := s.Records(context.Background())
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, seen, len(records))
}
