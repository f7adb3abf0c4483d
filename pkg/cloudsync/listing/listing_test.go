package listing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
	"github.com/mikepea/cloudsync/pkg/cloudsync/nextcloud"
	"github.com/mikepea/cloudsync/pkg/cloudsync/nextcloudtest"
)

type fakeSearcher struct {
	entries []nextcloud.SearchEntry
	err     error
	calls   atomic.Int32
	gate    chan struct{}
	last    nextcloud.SearchRequest
	mu      sync.Mutex
}

func (f *fakeSearcher) Search(ctx context.Context, req nextcloud.SearchRequest) ([]nextcloud.SearchEntry, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.entries, f.err
}

func testConfig() config.CloudConfig {
	cfg := config.Default().Cloud
	cfg.BaseURL = "https://cloud.example.org/"
	cfg.AdminUser = "admin"
	return cfg
}

func sampleEntries() []nextcloud.SearchEntry {
	return []nextcloud.SearchEntry{
		{Path: "Team Alpha", FileID: 1, IsCollection: true},
		{Path: "Team Alpha/old.txt", FileID: 2, DisplayName: "old.txt"},
		{Path: "Team Alpha/docs/report #1.pdf", FileID: 3, DisplayName: "report #1.pdf"},
		{Path: "loose.txt", FileID: 4},
	}
}

func TestRecords(t *testing.T) {
	a := New(&fakeSearcher{}, testConfig())
	entries := sampleEntries()

	records := a.Records(entries, "user-5")
	require.Len(t, records, 3, "collections are skipped")

	r := records[1]
	assert.Equal(t, "report #1.pdf", r.Title)
	assert.Equal(t, "https://cloud.example.org/f/3", r.URL)
	assert.Equal(t, "https://cloud.example.org/remote.php/dav/files/user-5/Team%20Alpha/docs/report%20%231.pdf", r.DownloadURL)
	assert.Equal(t, "Team Alpha/docs", r.Folder)
	assert.Equal(t, "Team Alpha", r.RootFolder)
	assert.Equal(t, int64(3), r.FileID)

	loose := records[2]
	assert.Equal(t, "loose.txt", loose.Title, "title falls back to the path")
	assert.Empty(t, loose.Folder)
	assert.Empty(t, loose.RootFolder)

	admin := a.Records(entries[1:2], "")
	assert.Contains(t, admin[0].DownloadURL, "/files/admin/")
	assert.Equal(t, "Team Alpha", entries[0].Path, "input untouched")
}

func TestFilesOrdering(t *testing.T) {
	search := &fakeSearcher{entries: sampleEntries()}
	a := New(search, testConfig())

	page, err := a.Files(context.Background(), Query{Root: "Team Alpha"})
	require.NoError(t, err)
	require.Len(t, page.Files, 3)
	assert.Equal(t, []int64{4, 3, 2}, fileIDs(page.Files), "unordered results are reversed")
	assert.Equal(t, "Team Alpha", search.last.Root)
	assert.False(t, search.last.OrderByModified)

	page, err = a.Files(context.Background(), Query{Ordered: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, fileIDs(page.Files), "ordered results keep backend order")
	assert.True(t, search.last.OrderByModified)

	assert.Equal(t, int64(1), search.entries[0].FileID, "shared entries are never reordered")
}

func TestFilesPaging(t *testing.T) {
	a := New(&fakeSearcher{entries: sampleEntries()}, testConfig())
	ctx := context.Background()

	tests := []struct {
		name    string
		q       Query
		want    []int64
		hasMore bool
	}{
		{"unlimited", Query{Ordered: true}, []int64{2, 3, 4}, false},
		{"first page", Query{Ordered: true, Limit: 2}, []int64{2, 3}, true},
		{"second page", Query{Ordered: true, Offset: 2, Limit: 2}, []int64{4}, false},
		{"past the end", Query{Ordered: true, Offset: 10, Limit: 2}, []int64{}, false},
		{"negative offset", Query{Ordered: true, Offset: -1, Limit: 1}, []int64{2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := a.Files(ctx, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, fileIDs(page.Files))
			assert.Equal(t, tt.hasMore, page.HasMore)
			assert.Equal(t, 3, page.Total)
		})
	}
}

func TestFilesError(t *testing.T) {
	boom := errors.New("boom")
	a := New(&fakeSearcher{err: boom}, testConfig())

	_, err := a.Files(context.Background(), Query{Root: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestFilesSharesConcurrentSearches(t *testing.T) {
	search := &fakeSearcher{entries: sampleEntries(), gate: make(chan struct{})}
	a := New(search, testConfig())

	const callers = 5
	var wg sync.WaitGroup
	results := make([][]CloudFileRecord, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			page, err := a.Files(context.Background(), Query{Root: "Team Alpha", UserID: "user-1"})
			if err == nil {
				results[i] = page.Files
			}
		}(i)
	}

	require.Eventually(t, func() bool { return search.calls.Load() == 1 }, time.Second, time.Millisecond)
	// let the other callers join the in-flight search
	time.Sleep(20 * time.Millisecond)
	close(search.gate)
	wg.Wait()

	assert.LessOrEqual(t, search.calls.Load(), int32(callers))
	for _, files := range results {
		assert.Equal(t, []int64{4, 3, 2}, fileIDs(files))
	}
}

func TestSharedSearchOutlivesFirstCaller(t *testing.T) {
	search := &fakeSearcher{entries: sampleEntries(), gate: make(chan struct{})}
	a := New(search, testConfig())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = a.Files(firstCtx, Query{Root: "Team Alpha"})
	}()
	require.Eventually(t, func() bool { return search.calls.Load() == 1 }, time.Second, time.Millisecond)

	var page *Page
	var err error
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		page, err = a.Files(context.Background(), Query{Root: "Team Alpha"})
	}()
	// let the second caller join, then drop the first one
	time.Sleep(20 * time.Millisecond)
	cancelFirst()
	time.Sleep(20 * time.Millisecond)
	close(search.gate)

	<-secondDone
	<-firstDone
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3, 2}, fileIDs(page.Files))
	assert.Equal(t, int32(1), search.calls.Load())
}

func TestFilesAgainstBackend(t *testing.T) {
	srv := nextcloudtest.NewServer()
	defer srv.Close()
	srv.AddFiles(
		nextcloudtest.File{Path: "Team Beta", FileID: 20, Collection: true},
		nextcloudtest.File{Path: "Team Beta/a.txt", FileID: 21, ContentType: "text/plain"},
		nextcloudtest.File{Path: "Team Beta/b.txt", FileID: 22, ContentType: "text/plain"},
		nextcloudtest.File{Path: "Other/c.txt", FileID: 23, ContentType: "text/plain"},
	)

	cfg := config.Default()
	cfg.Cloud.BaseURL = srv.URL
	cfg.Cloud.AdminUser = nextcloudtest.AdminUser
	cfg.Cloud.AdminPassword = nextcloudtest.AdminPassword
	a := New(nextcloud.New(cfg.Cloud, cfg.Breaker), cfg.Cloud)

	page, err := a.Files(context.Background(), Query{Root: "Team Beta", UserID: "user-9"})
	require.NoError(t, err)
	assert.Equal(t, []int64{22, 21}, fileIDs(page.Files))
	assert.Equal(t, srv.URL+"/f/22", page.Files[0].URL)
	assert.Equal(t, "Team Beta", page.Files[0].RootFolder)
}

func TestFolderURL(t *testing.T) {
	id, folder := "Team Alpha", "Team Alpha/2"
	group := &models.Group{RemoteGroupID: &id, RemoteFolderName: &folder}

	a := New(&fakeSearcher{}, testConfig())
	assert.Equal(t, "https://cloud.example.org/apps/files/?dir=/Team%20Alpha%2F2", a.GroupFolderURL(group))
	assert.Equal(t, "https://cloud.example.org", a.GroupFolderURL(&models.Group{}))
	assert.Equal(t, "https://cloud.example.org", FolderURL("https://cloud.example.org/", "/x/%s", nil))
}

func fileIDs(records []CloudFileRecord) []int64 {
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.FileID)
	}
	return ids
}
