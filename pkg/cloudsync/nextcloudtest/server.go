// Package nextcloudtest provides an in-memory cloud backend for tests. It
// speaks the OCS v1 envelope, the group folder endpoints and WebDAV SEARCH.
package nextcloudtest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	AdminUser     = "admin"
	AdminPassword = "secret"
)

// User is a backend account
type User struct {
	ID          string
	DisplayName string
	Email       string
	Enabled     bool
	Groups      map[string]bool
}

// Folder is a group folder
type Folder struct {
	ID         int64
	MountPoint string
	Groups     map[string]int
	Quota      int64
}

// File is an entry served by SEARCH. Path is relative to the admin files root.
type File struct {
	Path         string
	FileID       int64
	ContentType  string
	Size         int64
	LastModified time.Time
	Collection   bool
}

// Call is a request seen by the server
type Call struct {
	Method string
	Path   string
	Form   url.Values
}

// Server is a fake cloud backend
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	users        map[string]*User
	groups       map[string]bool
	folders      map[int64]*Folder
	nextFolderID int64
	files        []File
	calls        []Call
	failures     map[string]int
	renameResult bool
}

// NewServer starts a fake backend. Close it with Close.
func NewServer() *Server {
	s := &Server{
		users:        map[string]*User{},
		groups:       map[string]bool{"admin": true},
		folders:      map[int64]*Folder{},
		nextFolderID: 1,
		failures:     map[string]int{},
		renameResult: true,
	}
	s.users[AdminUser] = &User{ID: AdminUser, DisplayName: "Administrator", Enabled: true, Groups: map[string]bool{"admin": true}}

	mux := http.NewServeMux()
	mux.HandleFunc("/ocs/v1.php/cloud/users", s.handleUsers)
	mux.HandleFunc("/ocs/v1.php/cloud/users/", s.handleUser)
	mux.HandleFunc("/ocs/v1.php/cloud/groups", s.handleGroups)
	mux.HandleFunc("/apps/groupfolders/folders", s.handleFolders)
	mux.HandleFunc("/apps/groupfolders/folders/", s.handleFolder)
	mux.HandleFunc("/remote.php/dav/", s.handleSearch)

	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

// FailNext makes the next n requests whose path contains match answer 503
func (s *Server) FailNext(match string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[match] = n
}

// SetRenameResult controls the success flag returned by mountpoint renames
func (s *Server) SetRenameResult(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renameResult = ok
}

// AddGroup seeds a backend group
func (s *Server) AddGroup(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[id] = true
}

// AddUser seeds a backend account
func (s *Server) AddUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &User{ID: id, Enabled: true, Groups: map[string]bool{}}
}

// AddFolder seeds a group folder and returns its id
func (s *Server) AddFolder(mountPoint string, groups ...string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.newFolderLocked(mountPoint)
	for _, g := range groups {
		f.Groups[g] = 31
	}
	return f.ID
}

// AddFiles seeds search results, served in the given order
func (s *Server) AddFiles(files ...File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, files...)
}

// User returns a copy of a backend account
func (s *Server) User(id string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	cp := *u
	cp.Groups = map[string]bool{}
	for g := range u.Groups {
		cp.Groups[g] = true
	}
	return cp, true
}

// HasGroup reports whether a backend group exists
func (s *Server) HasGroup(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[id]
}

// Folders returns copies of all group folders sorted by id
func (s *Server) Folders() []Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Folder, 0, len(s.folders))
	for _, f := range s.folders {
		cp := *f
		cp.Groups = map[string]int{}
		for g, p := range f.Groups {
			cp.Groups[g] = p
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Calls returns every request seen so far
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CountCalls counts requests with the given method whose path contains match
func (s *Server) CountCalls(method, match string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method && strings.Contains(c.Path, match) {
			n++
		}
	}
	return n
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Method == http.MethodDelete {
			// ParseForm ignores DELETE bodies; the groups endpoint sends one
			if body, err := io.ReadAll(r.Body); err == nil {
				r.PostForm, _ = url.ParseQuery(string(body))
			}
		}
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Form: r.PostForm})
		for match, n := range s.failures {
			if n > 0 && strings.Contains(r.URL.Path, match) {
				s.failures[match] = n - 1
				s.mu.Unlock()
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		s.mu.Unlock()

		user, pass, ok := r.BasicAuth()
		if !ok || user != AdminUser || pass != AdminPassword {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != "SEARCH" && r.Header.Get("OCS-APIRequest") != "true" {
			http.Error(w, "missing OCS-APIRequest header", http.StatusPreconditionFailed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeOCS(w http.ResponseWriter, code int, message string, data any) {
	status := "ok"
	if code != 100 {
		status = "failure"
	}
	if data == nil {
		data = []any{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ocs": map[string]any{
			"meta": map[string]any{"status": status, "statuscode": code, "message": message},
			"data": data,
		},
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		ids := make([]string, 0, len(s.users))
		for id := range s.users {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		writeOCS(w, 100, "OK", map[string]any{"users": ids})
	case http.MethodPost:
		id := r.PostForm.Get("userid")
		if id == "" || r.PostForm.Get("password") == "" {
			writeOCS(w, 101, "invalid input data", nil)
			return
		}
		if _, ok := s.users[id]; ok {
			writeOCS(w, 102, "User already exists", nil)
			return
		}
		u := &User{
			ID:          id,
			DisplayName: r.PostForm.Get("displayName"),
			Email:       r.PostForm.Get("email"),
			Enabled:     true,
			Groups:      map[string]bool{},
		}
		for _, g := range r.PostForm["groups[]"] {
			u.Groups[g] = true
		}
		s.users[id] = u
		writeOCS(w, 100, "OK", map[string]any{"id": id})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rest := strings.TrimPrefix(r.URL.Path, "/ocs/v1.php/cloud/users/")
	parts := strings.Split(rest, "/")
	u, ok := s.users[parts[0]]

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if !ok {
			writeOCS(w, 101, "User does not exist", nil)
			return
		}
		delete(s.users, parts[0])
		writeOCS(w, 100, "OK", nil)
	case len(parts) == 2 && (parts[1] == "disable" || parts[1] == "enable") && r.Method == http.MethodPut:
		if !ok {
			writeOCS(w, 101, "User does not exist", nil)
			return
		}
		u.Enabled = parts[1] == "enable"
		writeOCS(w, 100, "OK", nil)
	case len(parts) == 2 && parts[1] == "groups":
		group := r.PostForm.Get("groupid")
		if !s.groups[group] {
			writeOCS(w, 102, "Group does not exist", nil)
			return
		}
		if !ok {
			writeOCS(w, 103, "User does not exist", nil)
			return
		}
		if r.Method == http.MethodDelete {
			delete(u.Groups, group)
		} else {
			u.Groups[group] = true
		}
		writeOCS(w, 100, "OK", nil)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.PostForm.Get("groupid")
	if s.groups[id] {
		writeOCS(w, 102, "group exists", nil)
		return
	}
	s.groups[id] = true
	writeOCS(w, 100, "OK", nil)
}

func (s *Server) newFolderLocked(mountPoint string) *Folder {
	f := &Folder{ID: s.nextFolderID, MountPoint: mountPoint, Groups: map[string]int{}, Quota: -3}
	s.folders[f.ID] = f
	s.nextFolderID++
	return f
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		if len(s.folders) == 0 {
			writeOCS(w, 100, "OK", []any{})
			return
		}
		out := map[string]any{}
		for id, f := range s.folders {
			var groups any = f.Groups
			if len(f.Groups) == 0 {
				groups = []any{}
			}
			out[strconv.FormatInt(id, 10)] = map[string]any{
				"id":          f.ID,
				"mount_point": f.MountPoint,
				"groups":      groups,
				"quota":       f.Quota,
				"size":        0,
			}
		}
		writeOCS(w, 100, "OK", out)
	case http.MethodPost:
		mount := r.PostForm.Get("mountpoint")
		if mount == "" {
			writeOCS(w, 101, "mountpoint required", nil)
			return
		}
		f := s.newFolderLocked(mount)
		writeOCS(w, 100, "OK", map[string]any{"id": f.ID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFolder(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rest := strings.TrimPrefix(r.URL.Path, "/apps/groupfolders/folders/")
	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	f, ok := s.folders[id]
	if err != nil || !ok {
		writeOCS(w, 404, "folder not found", nil)
		return
	}

	switch action {
	case "groups":
		group := r.PostForm.Get("group")
		if !s.groups[group] {
			writeOCS(w, 404, "group not found", nil)
			return
		}
		f.Groups[group] = 31
		writeOCS(w, 100, "OK", map[string]any{"success": true})
	case "quota":
		q, err := strconv.ParseInt(r.PostForm.Get("quota"), 10, 64)
		if err != nil {
			writeOCS(w, 101, "invalid quota", nil)
			return
		}
		f.Quota = q
		writeOCS(w, 100, "OK", map[string]any{"success": true})
	case "mountpoint":
		if s.renameResult {
			f.MountPoint = r.PostForm.Get("mountpoint")
		}
		writeOCS(w, 100, "OK", map[string]any{"success": s.renameResult})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != "SEARCH" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	files := append([]File(nil), s.files...)
	s.mu.Unlock()

	scope := extractScope(r)
	root := strings.Trim(strings.TrimPrefix(scope, "/files/"+AdminUser), "/")

	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString(`<d:multistatus xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns">`)
	for _, f := range files {
		if root != "" && !strings.HasPrefix(f.Path, root+"/") && f.Path != root {
			continue
		}
		href := "/remote.php/dav/files/" + AdminUser + "/" + escapePath(f.Path)
		resourceType := ""
		if f.Collection {
			resourceType = "<d:collection/>"
		}
		fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:prop>`+
			`<oc:fileid>%d</oc:fileid><d:displayname>%s</d:displayname>`+
			`<d:getcontenttype>%s</d:getcontenttype><d:getcontentlength>%d</d:getcontentlength>`+
			`<d:getlastmodified>%s</d:getlastmodified><d:resourcetype>%s</d:resourcetype>`+
			`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
			xmlEscape(href), f.FileID, xmlEscape(lastSegment(f.Path)), xmlEscape(f.ContentType),
			f.Size, f.LastModified.UTC().Format(http.TimeFormat), resourceType)
	}
	b.WriteString(`</d:multistatus>`)

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write([]byte(b.String()))
}

// extractScope pulls the scope href out of a basicsearch body
func extractScope(r *http.Request) string {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return ""
	}
	body := string(raw)
	start := strings.Index(body, "<d:href>")
	end := strings.Index(body, "</d:href>")
	if start < 0 || end < start {
		return ""
	}
	scope := body[start+len("<d:href>") : end]
	return strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&#39;", "'", "&#34;", `"`).Replace(scope)
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func lastSegment(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func xmlEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;").Replace(s)
}
