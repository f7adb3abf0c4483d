package scim

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mikepea/cloudsync/pkg/cloudsync/bridge"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

const baseURL = "http://localhost:8080"

type recordingNotifier struct {
	mu     sync.Mutex
	events []bridge.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev bridge.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) take() []bridge.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

type testEnv struct {
	db     *gorm.DB
	router *gin.Engine
	events *recordingNotifier
	org    *models.Organization
	token  string
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	org, err := models.EnsureGlobalOrganization(db)
	if err != nil {
		t.Fatalf("EnsureGlobalOrganization failed: %v", err)
	}
	token, _, err := GenerateSCIMToken(db, org.ID, "test")
	if err != nil {
		t.Fatalf("GenerateSCIMToken failed: %v", err)
	}

	events := &recordingNotifier{}
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v2 := r.Group("/scim/v2")
	NewDiscoveryHandler(baseURL).RegisterRoutes(v2)
	protected := v2.Group("", SCIMAuthMiddleware(db))
	NewUserHandler(db, baseURL, events).RegisterRoutes(protected)
	NewGroupHandler(db, baseURL, events).RegisterRoutes(protected)
	NewTokenHandler(db).RegisterAdminRoutes(r.Group("/admin"))

	return &testEnv{db: db, router: r, events: events, org: org, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/scim+json")
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createUser(t *testing.T, email string) *models.User {
	t.Helper()
	user := &models.User{Email: email, Name: email, Active: true, SystemRole: models.SystemRoleUser}
	if err := e.db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return user
}

func (e *testEnv) createGroup(t *testing.T, name string, members ...*models.User) *models.Group {
	t.Helper()
	group := &models.Group{OrganizationID: e.org.ID, Name: name}
	if err := e.db.Create(group).Error; err != nil {
		t.Fatalf("Failed to create test group: %v", err)
	}
	for _, u := range members {
		e.db.Create(&models.GroupMembership{UserID: u.ID, GroupID: group.ID})
	}
	return group
}

func idOf(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func kinds(events []bridge.Event) []bridge.Kind {
	out := make([]bridge.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func expectKinds(t *testing.T, events []bridge.Event, want ...bridge.Kind) {
	t.Helper()
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected events %v, got %v", want, got)
		}
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode %s: %v", w.Body.String(), err)
	}
}

func TestSCIMAuth(t *testing.T) {
	env := setup(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + env.token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/scim/v2/Users", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}

	var token models.SCIMToken
	env.db.First(&token)
	if token.LastUsedAt == nil {
		t.Error("Expected last_used_at to be recorded")
	}
}

func TestListUsersWithFilter(t *testing.T) {
	env := setup(t)
	env.createUser(t, "john@test.com")
	env.createUser(t, "jane@test.com")

	w := env.do(t, "GET", "/scim/v2/Users?filter=userName%20eq%20%22john@test.com%22", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp ListResponse
	decode(t, w, &resp)
	if resp.TotalResults != 1 {
		t.Errorf("Expected 1 user matching filter, got %d", resp.TotalResults)
	}

	w = env.do(t, "GET", "/scim/v2/Users?count=1&startIndex=2", nil)
	decode(t, w, &resp)
	if resp.TotalResults != 2 || resp.ItemsPerPage != 1 || resp.StartIndex != 2 {
		t.Errorf("Unexpected page %+v", resp)
	}
}

func TestCreateUserEmitsUserCreated(t *testing.T) {
	env := setup(t)

	w := env.do(t, "POST", "/scim/v2/Users", map[string]interface{}{
		"userName":   "new@test.com",
		"externalId": "ext-1",
		"name":       map[string]string{"givenName": "New", "familyName": "User"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var created User
	decode(t, w, &created)
	if created.DisplayName != "New User" || !created.Active {
		t.Errorf("Unexpected user %+v", created)
	}

	events := env.events.take()
	expectKinds(t, events, bridge.UserCreated)
	if events[0].User == nil || events[0].User.Email != "new@test.com" {
		t.Errorf("Expected user snapshot in event, got %+v", events[0])
	}

	var count int64
	env.db.Model(&models.OrganizationMembership{}).
		Where("organization_id = ? AND user_id = ?", env.org.ID, events[0].UserID).Count(&count)
	if count != 1 {
		t.Errorf("Expected membership in the token's organization, got %d", count)
	}
}

func TestCreateInactiveUser(t *testing.T) {
	env := setup(t)

	w := env.do(t, "POST", "/scim/v2/Users", map[string]interface{}{
		"userName": "off@test.com",
		"active":   false,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	expectKinds(t, env.events.take(), bridge.UserCreated, bridge.UserDeactivated)

	var user models.User
	env.db.Where("email = ?", "off@test.com").First(&user)
	if user.Active {
		t.Error("Expected user to be stored inactive")
	}
}

func TestCreateUserValidation(t *testing.T) {
	env := setup(t)
	env.createUser(t, "taken@test.com")

	w := env.do(t, "POST", "/scim/v2/Users", map[string]interface{}{"userName": "taken@test.com"})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
	var errResp ErrorResponse
	decode(t, w, &errResp)
	if errResp.ScimType != "uniqueness" || errResp.Status != "409" {
		t.Errorf("Unexpected error body %+v", errResp)
	}

	w = env.do(t, "POST", "/scim/v2/Users", map[string]interface{}{"displayName": "Nobody"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if len(env.events.take()) != 0 {
		t.Error("Expected no events for rejected requests")
	}
}

func TestPatchUserActivation(t *testing.T) {
	env := setup(t)
	user := env.createUser(t, "patch@test.com")
	path := "/scim/v2/Users/" + idOf(user.ID)

	patch := func(op PatchOperation) {
		t.Helper()
		w := env.do(t, "PATCH", path, PatchOp{Schemas: []string{SchemaPatchOp}, Operations: []PatchOperation{op}})
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
	}

	patch(PatchOperation{Op: "replace", Path: "active", Value: "False"})
	expectKinds(t, env.events.take(), bridge.UserDeactivated)

	patch(PatchOperation{Op: "replace", Path: "active", Value: false})
	expectKinds(t, env.events.take())

	patch(PatchOperation{Op: "replace", Value: map[string]interface{}{"active": true, "displayName": "Patched"}})
	events := env.events.take()
	expectKinds(t, events, bridge.UserReactivated)
	if events[0].UserID != user.ID {
		t.Errorf("Expected event for user %d, got %d", user.ID, events[0].UserID)
	}

	var loaded models.User
	env.db.First(&loaded, user.ID)
	if loaded.Name != "Patched" || !loaded.Active {
		t.Errorf("Unexpected user after patch %+v", loaded)
	}
}

func TestUpdateUser(t *testing.T) {
	env := setup(t)
	user := env.createUser(t, "put@test.com")

	active := false
	w := env.do(t, "PUT", "/scim/v2/Users/"+idOf(user.ID), CreateUserRequest{
		UserName:    "put@test.com",
		DisplayName: "Replaced",
		Active:      &active,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	expectKinds(t, env.events.take(), bridge.UserDeactivated)

	w = env.do(t, "PUT", "/scim/v2/Users/999", CreateUserRequest{UserName: "x@test.com"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestDeleteUser(t *testing.T) {
	env := setup(t)
	user := env.createUser(t, "gone@test.com")
	env.createGroup(t, "Team", user)

	w := env.do(t, "DELETE", "/scim/v2/Users/"+idOf(user.ID), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Code)
	}

	events := env.events.take()
	expectKinds(t, events, bridge.UserDeleted)
	if events[0].User == nil || events[0].User.ID != user.ID {
		t.Errorf("Expected deleted user snapshot, got %+v", events[0])
	}

	var count int64
	env.db.Unscoped().Model(&models.GroupMembership{}).Where("user_id = ?", user.ID).Count(&count)
	if count != 0 {
		t.Errorf("Expected memberships to be removed, got %d", count)
	}

	w = env.do(t, "POST", "/scim/v2/Users", map[string]interface{}{"userName": "gone@test.com"})
	if w.Code != http.StatusCreated {
		t.Errorf("Expected re-provisioning to succeed, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateGroupWithMembers(t *testing.T) {
	env := setup(t)
	u1 := env.createUser(t, "u1@test.com")
	u2 := env.createUser(t, "u2@test.com")

	w := env.do(t, "POST", "/scim/v2/Groups", CreateGroupRequest{
		DisplayName: "Team Alpha",
		ExternalID:  "grp-1",
		Members:     []GroupMember{{Value: idOf(u1.ID)}, {Value: idOf(u2.ID)}, {Value: "999"}, {Value: "bogus"}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var created Group
	decode(t, w, &created)
	if len(created.Members) != 2 {
		t.Errorf("Expected 2 members, got %d", len(created.Members))
	}

	events := env.events.take()
	expectKinds(t, events, bridge.GroupCreated, bridge.UserJoinedGroup, bridge.UserJoinedGroup)
	if events[1].UserID != u1.ID || events[2].UserID != u2.ID {
		t.Errorf("Unexpected join events %+v", events[1:])
	}

	var group models.Group
	env.db.First(&group, events[0].GroupID)
	if group.OrganizationID != env.org.ID || !group.CloudEnabled {
		t.Errorf("Unexpected stored group %+v", group)
	}

	w = env.do(t, "POST", "/scim/v2/Groups", CreateGroupRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without displayName, got %d", w.Code)
	}
}

func TestPatchGroupMembers(t *testing.T) {
	env := setup(t)
	u1 := env.createUser(t, "u1@test.com")
	u2 := env.createUser(t, "u2@test.com")
	group := env.createGroup(t, "Team", u1)
	path := "/scim/v2/Groups/" + idOf(group.ID)

	patch := func(ops ...PatchOperation) []bridge.Event {
		t.Helper()
		w := env.do(t, "PATCH", path, PatchOp{Schemas: []string{SchemaPatchOp}, Operations: ops})
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		return env.events.take()
	}

	member := func(u *models.User) map[string]interface{} {
		return map[string]interface{}{"value": idOf(u.ID)}
	}

	t.Run("add existing member is a no-op", func(t *testing.T) {
		expectKinds(t, patch(PatchOperation{Op: "add", Path: "members", Value: []interface{}{member(u1)}}))
	})

	t.Run("add", func(t *testing.T) {
		events := patch(PatchOperation{Op: "add", Path: "members", Value: []interface{}{member(u2)}})
		expectKinds(t, events, bridge.UserJoinedGroup)
		if events[0].UserID != u2.ID || events[0].GroupID != group.ID {
			t.Errorf("Unexpected event %+v", events[0])
		}
	})

	t.Run("remove by filter", func(t *testing.T) {
		events := patch(PatchOperation{Op: "remove", Path: `members[value eq "` + idOf(u1.ID) + `"]`})
		expectKinds(t, events, bridge.UserLeftGroup)
		if events[0].UserID != u1.ID {
			t.Errorf("Unexpected event %+v", events[0])
		}
	})

	t.Run("add then remove in one request", func(t *testing.T) {
		expectKinds(t, patch(
			PatchOperation{Op: "add", Path: "members", Value: member(u1)},
			PatchOperation{Op: "remove", Path: "members", Value: []interface{}{member(u1)}},
		))
	})

	t.Run("remove all", func(t *testing.T) {
		events := patch(PatchOperation{Op: "remove", Path: "members"})
		expectKinds(t, events, bridge.UserLeftGroup)
		if events[0].UserID != u2.ID {
			t.Errorf("Unexpected event %+v", events[0])
		}
	})

	t.Run("re-add after removal", func(t *testing.T) {
		expectKinds(t, patch(PatchOperation{Op: "add", Path: "members", Value: member(u2)}), bridge.UserJoinedGroup)
	})
}

func TestPatchGroupRenameKeepsRemoteFields(t *testing.T) {
	env := setup(t)
	group := env.createGroup(t, "Old Name")
	env.db.Model(group).UpdateColumn("remote_group_id", "Old Name")
	env.db.Model(group).UpdateColumn("remote_folder_id", 7)

	w := env.do(t, "PATCH", "/scim/v2/Groups/"+idOf(group.ID), PatchOp{
		Operations: []PatchOperation{{Op: "replace", Path: "displayName", Value: "New Name"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	events := env.events.take()
	expectKinds(t, events, bridge.GroupSaved)
	if events[0].GroupID != group.ID {
		t.Errorf("Unexpected event %+v", events[0])
	}

	var loaded models.Group
	env.db.First(&loaded, group.ID)
	if loaded.Name != "New Name" {
		t.Errorf("Expected name to change, got %q", loaded.Name)
	}
	if models.Str(loaded.RemoteGroupID) != "Old Name" || loaded.RemoteFolderID == nil || *loaded.RemoteFolderID != 7 {
		t.Errorf("Expected remote fields to be preserved, got %+v", loaded)
	}

	w = env.do(t, "PATCH", "/scim/v2/Groups/"+idOf(group.ID), PatchOp{
		Operations: []PatchOperation{{Op: "replace", Value: map[string]interface{}{"displayName": "New Name"}}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	expectKinds(t, env.events.take())
}

func TestUpdateGroupReplacesMembers(t *testing.T) {
	env := setup(t)
	u1 := env.createUser(t, "u1@test.com")
	u2 := env.createUser(t, "u2@test.com")
	group := env.createGroup(t, "Team", u1)

	w := env.do(t, "PUT", "/scim/v2/Groups/"+idOf(group.ID), CreateGroupRequest{
		DisplayName: "Team",
		Members:     []GroupMember{{Value: idOf(u2.ID)}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	events := env.events.take()
	expectKinds(t, events, bridge.UserJoinedGroup, bridge.UserLeftGroup)
	if events[0].UserID != u2.ID || events[1].UserID != u1.ID {
		t.Errorf("Unexpected events %+v", events)
	}

	var got Group
	decode(t, w, &got)
	if len(got.Members) != 1 || got.Members[0].Value != idOf(u2.ID) {
		t.Errorf("Expected only u2 as member, got %+v", got.Members)
	}
}

func TestGroupsScopedToOrganization(t *testing.T) {
	env := setup(t)
	other := models.Organization{Name: "Other", Slug: "other"}
	env.db.Create(&other)
	foreign := models.Group{OrganizationID: other.ID, Name: "Foreign"}
	env.db.Create(&foreign)
	env.createGroup(t, "Mine")

	w := env.do(t, "GET", "/scim/v2/Groups", nil)
	var resp ListResponse
	decode(t, w, &resp)
	if resp.TotalResults != 1 {
		t.Errorf("Expected 1 group in the token's organization, got %d", resp.TotalResults)
	}

	w = env.do(t, "GET", "/scim/v2/Groups/"+idOf(foreign.ID), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for a foreign group, got %d", w.Code)
	}
}

func TestDeleteGroup(t *testing.T) {
	env := setup(t)
	user := env.createUser(t, "u@test.com")
	group := env.createGroup(t, "Team", user)

	w := env.do(t, "DELETE", "/scim/v2/Groups/"+idOf(group.ID), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Code)
	}
	expectKinds(t, env.events.take())

	var count int64
	env.db.Unscoped().Model(&models.GroupMembership{}).Where("group_id = ?", group.ID).Count(&count)
	if count != 0 {
		t.Errorf("Expected memberships to be removed, got %d", count)
	}
	if w := env.do(t, "GET", "/scim/v2/Groups/"+idOf(group.ID), nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after delete, got %d", w.Code)
	}
}

func TestTokenAdmin(t *testing.T) {
	env := setup(t)

	w := env.do(t, "POST", "/admin/scim-tokens", CreateTokenRequest{Description: "okta"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var created CreateTokenResponse
	decode(t, w, &created)
	if created.OrganizationID != env.org.ID || len(created.Token) != 64 || created.TokenPrefix != created.Token[:8] {
		t.Errorf("Unexpected token %+v", created)
	}

	if _, err := ValidateSCIMToken(env.db, created.Token); err != nil {
		t.Errorf("Expected new token to validate: %v", err)
	}

	w = env.do(t, "POST", "/admin/scim-tokens", CreateTokenRequest{OrganizationID: 999})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown organization, got %d", w.Code)
	}

	w = env.do(t, "GET", "/admin/scim-tokens", nil)
	var tokens []TokenResponse
	decode(t, w, &tokens)
	if len(tokens) != 2 {
		t.Errorf("Expected 2 tokens, got %d", len(tokens))
	}

	w = env.do(t, "DELETE", "/admin/scim-tokens/"+idOf(created.ID), nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if _, err := ValidateSCIMToken(env.db, created.Token); err == nil {
		t.Error("Expected deleted token to be rejected")
	}
}

func TestDiscovery(t *testing.T) {
	env := setup(t)

	req := httptest.NewRequest("GET", "/scim/v2/ServiceProviderConfig", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	var cfg ServiceProviderConfig
	decode(t, w, &cfg)
	if !cfg.Patch.Supported || cfg.Bulk.Supported {
		t.Errorf("Unexpected service provider config %+v", cfg)
	}

	req = httptest.NewRequest("GET", "/scim/v2/ResourceTypes", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	var types []ResourceType
	decode(t, w, &types)
	if len(types) != 2 || types[0].Endpoint != "/Users" || types[1].Endpoint != "/Groups" {
		t.Errorf("Unexpected resource types %+v", types)
	}

	req = httptest.NewRequest("GET", "/scim/v2/Schemas", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	var schemas ListResponse
	decode(t, w, &schemas)
	if schemas.TotalResults != 2 {
		t.Errorf("Expected 2 schemas, got %d", schemas.TotalResults)
	}
}

func TestFilterValue(t *testing.T) {
	tests := []struct {
		filter string
		attr   string
		want   string
		ok     bool
	}{
		{`userName eq "a@b.c"`, "userName", "a@b.c", true},
		{`USERNAME EQ "a@b.c"`, "userName", "a@b.c", true},
		{`externalId eq "x"`, "userName", "", false},
		{`userName eq a@b.c`, "userName", "", false},
		{`userName eq "`, "userName", "", false},
		{"", "userName", "", false},
	}
	for _, tt := range tests {
		got, ok := filterValue(tt.filter, tt.attr)
		if got != tt.want || ok != tt.ok {
			t.Errorf("filterValue(%q, %q) = %q, %v; want %q, %v", tt.filter, tt.attr, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMemberFilterID(t *testing.T) {
	if id, ok := memberFilterID(`members[value eq "42"]`); !ok || id != 42 {
		t.Errorf("Expected 42, got %d %v", id, ok)
	}
	for _, path := range []string{"members", `members[value eq "x"]`, `members[display eq "42"]`} {
		if _, ok := memberFilterID(path); ok {
			t.Errorf("Expected %q to be rejected", path)
		}
	}
}
