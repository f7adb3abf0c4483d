// Package listing turns backend search results into file records for display.
package listing

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
	"github.com/mikepea/cloudsync/pkg/cloudsync/nextcloud"
)

// Searcher runs a recursive metadata search on the backend
type Searcher interface {
	Search(ctx context.Context, req nextcloud.SearchRequest) ([]nextcloud.SearchEntry, error)
}

// CloudFileRecord is a file as shown to platform users. It is never stored.
type CloudFileRecord struct {
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	DownloadURL  string    `json:"download_url"`
	Folder       string    `json:"folder"`
	RootFolder   string    `json:"root_folder"`
	Path         string    `json:"path"`
	FileID       int64     `json:"file_id"`
	ContentType  string    `json:"content_type,omitempty"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Query selects a page of files
type Query struct {
	// Root is a group folder name; empty lists the whole backend
	Root string
	// UserID is the backend account the download links are built for
	UserID string
	// Ordered asks the backend for newest-modified first
	Ordered bool
	Offset  int
	Limit   int
}

// Page is one slice of a listing
type Page struct {
	Files   []CloudFileRecord `json:"files"`
	Total   int               `json:"total"`
	HasMore bool              `json:"has_more"`
}

// Adapter converts search results into file records. Identical concurrent
// searches share one backend request.
type Adapter struct {
	search    Searcher
	baseURL   string
	adminUser string
	folderURL string
	flight    singleflight.Group
	log       zerolog.Logger
}

// New creates an adapter
func New(search Searcher, cfg config.CloudConfig) *Adapter {
	return &Adapter{
		search:    search,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		adminUser: cfg.AdminUser,
		folderURL: cfg.GroupFolderURL,
		log:       logging.Component("listing"),
	}
}

// Files returns one page of files, collections excluded. Without Ordered the
// raw backend order is reversed, which puts recently created files first.
func (a *Adapter) Files(ctx context.Context, q Query) (*Page, error) {
	entries, err := a.entries(ctx, q.Root, q.Ordered)
	if err != nil {
		return nil, err
	}

	records := a.Records(entries, q.UserID)
	if !q.Ordered {
		slices.Reverse(records)
	}

	page := &Page{Total: len(records)}
	start := min(max(q.Offset, 0), len(records))
	end := len(records)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	page.Files = records[start:end]
	page.HasMore = end < len(records)
	return page, nil
}

func (a *Adapter) entries(ctx context.Context, root string, ordered bool) ([]nextcloud.SearchEntry, error) {
	key := root + "\x00" + strconv.FormatBool(ordered)
	// the search is shared, so one caller going away must not cancel it for
	// the others; the client's request timeout still bounds it
	shared := context.WithoutCancel(ctx)
	v, err, joined := a.flight.Do(key, func() (interface{}, error) {
		return a.search.Search(shared, nextcloud.SearchRequest{Root: root, OrderByModified: ordered})
	})
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", root, err)
	}
	if joined {
		a.log.Debug().Str("root", root).Msg("shared in-flight search")
	}
	return v.([]nextcloud.SearchEntry), nil
}

// Records converts search entries into file records, skipping folders.
// The result is a new slice; entries is not modified.
func (a *Adapter) Records(entries []nextcloud.SearchEntry, userID string) []CloudFileRecord {
	if userID == "" {
		userID = a.adminUser
	}
	records := make([]CloudFileRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsCollection || e.Path == "" {
			continue
		}
		records = append(records, a.record(e, userID))
	}
	return records
}

func (a *Adapter) record(e nextcloud.SearchEntry, userID string) CloudFileRecord {
	title := e.DisplayName
	if title == "" {
		title = path.Base(e.Path)
	}
	folder := path.Dir(e.Path)
	if folder == "." {
		folder = ""
	}
	root, _, _ := strings.Cut(e.Path, "/")
	if root == e.Path {
		root = ""
	}
	return CloudFileRecord{
		Title:        title,
		URL:          a.baseURL + "/f/" + strconv.FormatInt(e.FileID, 10),
		DownloadURL:  a.baseURL + "/remote.php/dav/files/" + url.PathEscape(userID) + "/" + escapePath(e.Path),
		Folder:       folder,
		RootFolder:   root,
		Path:         e.Path,
		FileID:       e.FileID,
		ContentType:  e.ContentType,
		Size:         e.Size,
		LastModified: e.LastModified,
	}
}

// GroupFolderURL links to the group's folder in the backend web UI. Groups
// without backend identifiers get the backend root.
func (a *Adapter) GroupFolderURL(group *models.Group) string {
	return FolderURL(a.baseURL, a.folderURL, group)
}

// FolderURL builds the web UI link for group's folder
func FolderURL(baseURL, pattern string, group *models.Group) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if group == nil || group.RemoteGroupID == nil || group.RemoteFolderName == nil {
		return baseURL
	}
	return baseURL + fmt.Sprintf(pattern, url.PathEscape(*group.RemoteFolderName))
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
