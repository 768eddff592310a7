package navigation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/entrhq/webscience/pkg/pagemanager"
	"github.com/entrhq/webscience/pkg/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func visit(pageID, url string) pagemanager.PageVisit {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return pagemanager.PageVisit{
		PageID:              pageID,
		TabID:               4,
		WindowID:            1,
		URL:                 url,
		VisitStart:          start,
		VisitEnd:            start.Add(3 * time.Second),
		AttentionDuration:   2 * time.Second,
		AttentionSpanCount:  2,
		AttentionSpanStarts: []time.Time{start, start.Add(1500 * time.Millisecond)},
		AttentionSpanEnds:   []time.Time{start.Add(time.Second), start.Add(2500 * time.Millisecond)},
	}
}

func TestSavePageVisit(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	s := New(backend, WithStudyName("study1"))
	assert.Equal(t, "study1.navigation", s.Namespace())

	var notified []int64
	unsub := s.OnRecord(func(r Record) { notified = append(notified, r.ID) })
	defer unsub()

	require.NoError(t, s.SavePageVisit(ctx, visit("a", "https://www.nytimes.com/2024/story.html")))
	require.NoError(t, s.SavePageVisit(ctx, visit("b", "https://news.bbc.co.uk/x")))

	records, err := s.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	want := Record{ID: 1, PageVisit: visit("a", "https://www.nytimes.com/2024/story.html"), RegistrableDomain: "nytimes.com"}
	if diff := cmp.Diff(want, records[0]); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(2), records[1].ID)
	assert.Equal(t, "bbc.co.uk", records[1].RegistrableDomain)
	assert.Equal(t, []int64{1, 2}, notified)
}

func TestRecordIDsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()

	require.NoError(t, New(backend).SavePageVisit(ctx, visit("a", "https://a.test/")))
	restarted := New(backend)
	require.NoError(t, restarted.SavePageVisit(ctx, visit("b", "https://b.test/")))

	records, err := restarted.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[1].ID)
	assert.Equal(t, "b", records[1].PageID)
}

func TestSavePropagatesStorageErrors(t *testing.T) {
	backend := storage.NewMemoryBackend()
	s := New(backend)
	require.NoError(t, backend.Close())

	err := s.SavePageVisit(context.Background(), visit("a", "https://a.test/"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStorage))
}

func TestStudyIsVisitSink(t *testing.T) {
	var _ pagemanager.VisitSink = New(storage.NewMemoryBackend())
}
