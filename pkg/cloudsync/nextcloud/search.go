package nextcloud

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// SearchRequest scopes a recursive metadata search
type SearchRequest struct {
	// Root limits the search to one top-level folder; empty searches everything
	Root string
	// OrderByModified asks for newest first. The backend does not always honor it.
	OrderByModified bool
}

// SearchEntry is one hit of a metadata search, in backend order
type SearchEntry struct {
	Href         string
	Path         string // relative to the admin user's files root, without leading slash
	FileID       int64
	DisplayName  string
	ContentType  string
	Size         int64
	LastModified time.Time
	IsCollection bool
}

const searchTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<d:searchrequest xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns">
  <d:basicsearch>
    <d:select>
      <d:prop>
        <oc:fileid/>
        <d:displayname/>
        <d:getcontenttype/>
        <d:getcontentlength/>
        <d:getlastmodified/>
        <d:resourcetype/>
      </d:prop>
    </d:select>
    <d:from>
      <d:scope>
        <d:href>{{scope}}</d:href>
        <d:depth>infinity</d:depth>
      </d:scope>
    </d:from>
    <d:where>
      <d:like>
        <d:prop><d:getcontenttype/></d:prop>
        <d:literal>%</d:literal>
      </d:like>
    </d:where>{{orderby}}
  </d:basicsearch>
</d:searchrequest>`

const orderByModified = `
    <d:orderby>
      <d:order>
        <d:prop><d:getlastmodified/></d:prop>
        <d:descending/>
      </d:order>
    </d:orderby>`

// multistatus mirrors the subset of a WebDAV 207 answer we read
type multistatus struct {
	Responses []struct {
		Href     string `xml:"DAV: href"`
		Propstat []struct {
			Status string `xml:"DAV: status"`
			Prop   struct {
				FileID        string `xml:"http://owncloud.org/ns fileid"`
				DisplayName   string `xml:"DAV: displayname"`
				ContentType   string `xml:"DAV: getcontenttype"`
				ContentLength string `xml:"DAV: getcontentlength"`
				LastModified  string `xml:"DAV: getlastmodified"`
				ResourceType  struct {
					Collection *struct{} `xml:"DAV: collection"`
				} `xml:"DAV: resourcetype"`
			} `xml:"DAV: prop"`
		} `xml:"DAV: propstat"`
	} `xml:"DAV: response"`
}

// Search runs a recursive metadata search below the admin user's files
func (c *Client) Search(ctx context.Context, req SearchRequest) ([]SearchEntry, error) {
	filesRoot := "/files/" + c.user
	scope := filesRoot
	if req.Root != "" {
		scope = filesRoot + "/" + strings.Trim(req.Root, "/")
	}

	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(scope)); err != nil {
		return nil, transportError(err, "escape search scope: %v", err)
	}
	body := strings.Replace(searchTemplate, "{{scope}}", escaped.String(), 1)
	order := ""
	if req.OrderByModified {
		order = orderByModified
	}
	body = strings.Replace(body, "{{orderby}}", order, 1)

	raw, err := c.roundTrip(ctx, request{
		method:      "SEARCH",
		path:        davPath,
		endpoint:    "dav/search",
		body:        []byte(body),
		contentType: "text/xml; charset=utf-8",
		header:      http.Header{"Accept": {"application/xml"}},
	})
	if err != nil {
		return nil, err
	}

	var ms multistatus
	if err := xml.Unmarshal(raw, &ms); err != nil {
		return nil, transportError(err, "decode search result: %v", err)
	}

	hrefPrefix := davPath + strings.TrimPrefix(filesRoot, "/") + "/"
	entries := make([]SearchEntry, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		e := SearchEntry{Href: r.Href}
		for _, ps := range r.Propstat {
			if ps.Status != "" && !strings.Contains(ps.Status, " 200 ") {
				continue
			}
			p := ps.Prop
			if p.FileID != "" {
				e.FileID, _ = strconv.ParseInt(p.FileID, 10, 64)
			}
			e.DisplayName = p.DisplayName
			e.ContentType = p.ContentType
			e.Size, _ = strconv.ParseInt(p.ContentLength, 10, 64)
			if t, err := http.ParseTime(p.LastModified); err == nil {
				e.LastModified = t
			}
			e.IsCollection = p.ResourceType.Collection != nil
		}
		e.Path = hrefToPath(r.Href, hrefPrefix)
		if e.DisplayName == "" {
			e.DisplayName = path.Base(e.Path)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// hrefToPath strips the DAV prefix from an href and unescapes it
func hrefToPath(href, prefix string) string {
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	if i := strings.Index(href, prefix); i >= 0 {
		href = href[i+len(prefix):]
	}
	return strings.Trim(href, "/")
}
