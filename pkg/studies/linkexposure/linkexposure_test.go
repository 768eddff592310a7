package linkexposure

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/entrhq/webscience/pkg/linkresolution"
	"github.com/entrhq/webscience/pkg/messaging"
	"github.com/entrhq/webscience/pkg/storage"
	"github.com/entrhq/webscience/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sender = types.MessageSender{TabID: 3, WindowID: 1}

// fakeResolver maps URLs to destinations; unknown URLs resolve to themselves.
type fakeResolver struct {
	dests map[string]string
	errs  map[string]error
	block bool
}

func (f *fakeResolver) ResolveIfNeeded(ctx context.Context, rawURL string) (linkresolution.Result, error) {
	if f.block {
		<-ctx.Done()
		return linkresolution.Result{}, ctx.Err()
	}
	if err := f.errs[rawURL]; err != nil {
		return linkresolution.Result{}, err
	}
	dest, ok := f.dests[rawURL]
	if !ok {
		dest = rawURL
	}
	return linkresolution.Result{Source: rawURL, Destination: dest}, nil
}

func newStudy(t *testing.T, r Resolver, opts ...Option) *Study {
	t.Helper()
	clock := func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	s, err := New(storage.NewMemoryBackend(), []string{"nytimes.com", "reddit.com"},
		append([]Option{WithResolver(r), WithClock(clock), WithStudyName("s1")}, opts...)...)
	require.NoError(t, err)
	return s
}

func TestHandleUpdate(t *testing.T) {
	resolver := &fakeResolver{
		dests: map[string]string{"https://bit.ly/abc": "https://www.nytimes.com/2024/x.html"},
		errs: map[string]error{
			"https://bit.ly/broken":          &linkresolution.ResolutionError{Kind: linkresolution.KindNetwork, URL: "https://bit.ly/broken"},
			"https://www.nytimes.com/flaky/": errors.New("timeout"),
		},
	}
	s := newStudy(t, resolver)
	assert.Equal(t, "s1.linkExposure", s.Namespace())

	var published []Exposure
	defer s.OnExposure(func(e Exposure) { published = append(published, e) })()

	u := Update{
		PageID: "page-1",
		URL:    "https://www.reddit.com/r/news/",
		Links: []LinkReport{
			{Href: "https://bit.ly/abc", VisibleDuration: 1200, FirstSeen: 1709251200000},
			{Href: "https://www.nytimes.com/y", VisibleDuration: 100},
			{Href: "https://www.nytimes.com/y", VisibleDuration: 900},
			{Href: "https://other.test/z"},
			{Href: "javascript:void(0)"},
			{Href: "https://bit.ly/broken"},
			{Href: "https://www.nytimes.com/flaky/"},
			{Href: "https://www.reddit.com/r/other/"},
		},
	}
	stored, err := s.HandleUpdate(context.Background(), sender, u)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	assert.Equal(t, int64(1), stored[0].ID)
	assert.Equal(t, "https://bit.ly/abc", stored[0].OriginalURL)
	assert.Equal(t, "https://www.nytimes.com/2024/x.html", stored[0].URL)
	assert.Equal(t, 1200*time.Millisecond, stored[0].VisibleDuration)
	assert.Equal(t, time.UnixMilli(1709251200000).UTC(), stored[0].ExposureTime)
	assert.Equal(t, types.TabID(3), stored[0].TabID)

	assert.Equal(t, "https://www.nytimes.com/y", stored[1].URL)
	assert.Equal(t, 900*time.Millisecond, stored[1].VisibleDuration)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), stored[1].ExposureTime)

	assert.Equal(t, "https://www.nytimes.com/flaky/", stored[2].URL)
	assert.Contains(t, stored[2].ResolutionError, "timeout")

	records, err := s.Records(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stored, records)
	assert.Equal(t, stored, published)
}

func TestSelfLinksCanBeKept(t *testing.T) {
	s := newStudy(t, nil, WithIgnoreSelfLinks(false))
	stored, err := s.HandleUpdate(context.Background(), sender, Update{
		PageID: "p",
		URL:    "https://www.reddit.com/",
		Links:  []LinkReport{{Href: "https://www.reddit.com/r/news/"}},
	})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestHandleUpdateCanceled(t *testing.T) {
	s := newStudy(t, &fakeResolver{block: true}, WithConcurrency(2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.HandleUpdate(ctx, sender, Update{PageID: "p", URL: "https://a.test/", Links: []LinkReport{
		{Href: "https://bit.ly/1"}, {Href: "https://bit.ly/2"}, {Href: "https://bit.ly/3"},
	}})
	assert.ErrorIs(t, err, context.Canceled)

	records, err := s.Records(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRegisterWithRouter(t *testing.T) {
	s := newStudy(t, &fakeResolver{})
	router := messaging.NewRouter()
	unsub := s.Register(context.Background(), router)

	msg := `{"type":"webScience.linkExposure.linkExposureUpdate","pageId":"p","url":"https://a.test/",
		"links":[{"href":"https://www.nytimes.com/a","visibleDuration":500}]}`
	_, err := router.Dispatch(context.Background(), sender, []byte(msg))
	require.NoError(t, err)

	// links must be an array
	bad := `{"type":"webScience.linkExposure.linkExposureUpdate","pageId":"p","url":"https://a.test/","links":"https://www.nytimes.com/b"}`
	_, err = router.Dispatch(context.Background(), sender, []byte(bad))
	require.NoError(t, err)

	records, err := s.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "https://www.nytimes.com/a", records[0].URL)

	unsub()
	assert.Zero(t, router.Listeners(types.MessageTypeLinkExposureUpdate))
}

func TestRegisterStopsWithStudyContext(t *testing.T) {
	s := newStudy(t, &fakeResolver{block: true})
	router := messaging.NewRouter()
	studyCtx, stop := context.WithCancel(context.Background())
	s.Register(studyCtx, router)
	stop()

	msg := `{"type":"webScience.linkExposure.linkExposureUpdate","pageId":"p","url":"https://a.test/","links":[{"href":"https://bit.ly/x"}]}`
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = router.Dispatch(context.Background(), sender, []byte(msg))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after the study stopped")
	}
}

func TestReportPageWithResolver(t *testing.T) {
	fetch := linkresolution.FetcherFunc(func(_ context.Context, url string) (*linkresolution.Response, error) {
		if url == "https://bit.ly/news" {
			h := http.Header{}
			h.Set("Location", "https://www.nytimes.com/2024/resolved.html")
			return &linkresolution.Response{StatusCode: http.StatusMovedPermanently, Header: h}, nil
		}
		return &linkresolution.Response{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	})
	resolver, err := linkresolution.NewResolver(linkresolution.WithFetcher(fetch))
	require.NoError(t, err)
	defer resolver.Close()

	s := newStudy(t, resolver)
	page := `<html><body>
		<a href="https://bit.ly/news">short</a>
		<a href="https://l.facebook.com/l.php?u=https%3A%2F%2Fwww.nytimes.com%2Fwrapped">wrapped</a>
		<a href="/local">local</a>
	</body></html>`
	stored, err := s.ReportPage(context.Background(), sender, "p", "https://blog.test/post", strings.NewReader(page))
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "https://www.nytimes.com/2024/resolved.html", stored[0].URL)
	assert.Equal(t, "https://www.nytimes.com/wrapped", stored[1].URL)
	assert.Equal(t, "https://l.facebook.com/l.php?u=https%3A%2F%2Fwww.nytimes.com%2Fwrapped", stored[1].OriginalURL)
}

func TestBlankLinkDomainsMatchNothing(t *testing.T) {
	s, err := New(storage.NewMemoryBackend(), []string{"", " "})
	require.NoError(t, err)
	stored, err := s.HandleUpdate(context.Background(), sender, Update{
		PageID: "p",
		Links:  []LinkReport{{Href: "https://www.nytimes.com/a"}},
	})
	require.NoError(t, err)
	assert.Empty(t, stored)
}
