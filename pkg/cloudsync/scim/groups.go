package scim

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mikepea/cloudsync/pkg/cloudsync/bridge"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

// GroupHandler handles SCIM Group operations within the token's organization
type GroupHandler struct {
	db      *gorm.DB
	baseURL string
	events  bridge.Notifier
}

// NewGroupHandler creates a new SCIM Group handler
func NewGroupHandler(db *gorm.DB, baseURL string, events bridge.Notifier) *GroupHandler {
	if events == nil {
		events = bridge.Discard
	}
	return &GroupHandler{db: db, baseURL: baseURL, events: events}
}

// change collects what a write did so the matching events go out after commit
type change struct {
	renamed bool
	joined  []uint
	left    []uint
}

func (h *GroupHandler) emit(ctx context.Context, groupID uint, ch change) {
	if ch.renamed {
		notify(ctx, h.events, bridge.Event{Kind: bridge.GroupSaved, GroupID: groupID})
	}
	for _, id := range ch.joined {
		notify(ctx, h.events, bridge.Event{Kind: bridge.UserJoinedGroup, GroupID: groupID, UserID: id})
	}
	for _, id := range ch.left {
		notify(ctx, h.events, bridge.Event{Kind: bridge.UserLeftGroup, GroupID: groupID, UserID: id})
	}
}

func (h *GroupHandler) groupToSCIM(group *models.Group, includeMembers bool) (Group, error) {
	created := group.CreatedAt
	updated := group.UpdatedAt

	out := Group{
		Schemas:     []string{SchemaGroup},
		ID:          strconv.FormatUint(uint64(group.ID), 10),
		ExternalID:  group.ExternalID,
		DisplayName: group.Name,
		Meta: Meta{
			ResourceType: "Group",
			Created:      &created,
			LastModified: &updated,
			Location:     fmt.Sprintf("%s/scim/v2/Groups/%d", h.baseURL, group.ID),
		},
	}
	if !includeMembers {
		return out, nil
	}

	var memberships []models.GroupMembership
	if err := h.db.Where("group_id = ?", group.ID).Preload("User").Order("user_id").Find(&memberships).Error; err != nil {
		return out, err
	}
	out.Members = make([]GroupMember, len(memberships))
	for i, m := range memberships {
		out.Members[i] = GroupMember{
			Value:   strconv.FormatUint(uint64(m.UserID), 10),
			Ref:     fmt.Sprintf("%s/scim/v2/Users/%d", h.baseURL, m.UserID),
			Display: m.User.DisplayName(),
		}
	}
	return out, nil
}

func (h *GroupHandler) respond(c *gin.Context, status int, group *models.Group) {
	out, err := h.groupToSCIM(group, true)
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to load members", "")
		return
	}
	c.JSON(status, out)
}

// scoped restricts a query to the token's organization
func scoped(c *gin.Context, db *gorm.DB) *gorm.DB {
	if orgID, ok := GetSCIMOrgID(c); ok {
		return db.Where("organization_id = ?", orgID)
	}
	return db
}

// ListGroups returns groups (GET /scim/v2/Groups)
func (h *GroupHandler) ListGroups(c *gin.Context) {
	startIndex, count := pageParams(c)
	filter := c.Query("filter")

	query := scoped(c, h.db.Model(&models.Group{}))
	if v, ok := filterValue(filter, "displayName"); ok {
		query = query.Where("name = ?", v)
	} else if v, ok := filterValue(filter, "externalId"); ok {
		query = query.Where("external_id = ?", v)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		abort(c, http.StatusInternalServerError, "Failed to list groups", "")
		return
	}

	var groups []models.Group
	if err := query.Order("id").Offset(startIndex - 1).Limit(count).Find(&groups).Error; err != nil {
		abort(c, http.StatusInternalServerError, "Failed to list groups", "")
		return
	}

	resources := make([]Group, len(groups))
	for i := range groups {
		resources[i], _ = h.groupToSCIM(&groups[i], false)
	}

	c.JSON(http.StatusOK, ListResponse{
		Schemas:      []string{SchemaListResponse},
		TotalResults: int(total),
		StartIndex:   startIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

func (h *GroupHandler) load(c *gin.Context) (*models.Group, bool) {
	id, ok := idParam(c)
	if !ok {
		abort(c, http.StatusBadRequest, "Invalid group ID", "")
		return nil, false
	}
	var group models.Group
	if err := scoped(c, h.db).First(&group, id).Error; err != nil {
		abort(c, http.StatusNotFound, "Group not found", "")
		return nil, false
	}
	return &group, true
}

// GetGroup returns a single group (GET /scim/v2/Groups/:id)
func (h *GroupHandler) GetGroup(c *gin.Context) {
	group, ok := h.load(c)
	if !ok {
		return
	}
	h.respond(c, http.StatusOK, group)
}

// CreateGroupRequest represents a SCIM group creation or replacement request
type CreateGroupRequest struct {
	Schemas     []string      `json:"schemas"`
	ExternalID  string        `json:"externalId"`
	DisplayName string        `json:"displayName"`
	Members     []GroupMember `json:"members"`
}

func (r *CreateGroupRequest) memberIDs() []uint {
	ids := make([]uint, 0, len(r.Members))
	for _, m := range r.Members {
		if id, err := strconv.ParseUint(m.Value, 10, 32); err == nil {
			ids = append(ids, uint(id))
		}
	}
	return ids
}

// CreateGroup creates a group (POST /scim/v2/Groups). The cloud group and
// folder follow through the group-created event, then each initial member joins.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	if req.DisplayName == "" {
		abort(c, http.StatusBadRequest, "displayName is required", "invalidValue")
		return
	}

	orgID, ok := GetSCIMOrgID(c)
	if !ok {
		org, err := models.EnsureGlobalOrganization(h.db)
		if err != nil {
			abort(c, http.StatusInternalServerError, "Global organization not found", "")
			return
		}
		orgID = org.ID
	}

	group := models.Group{
		OrganizationID: orgID,
		ExternalID:     req.ExternalID,
		Name:           req.DisplayName,
		Description:    "SCIM-provisioned group",
		Kind:           models.GroupKindSociety,
	}

	var ch change
	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		var err error
		ch.joined, err = addMembers(tx, group.ID, req.memberIDs())
		return err
	})
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to create group", "")
		return
	}

	ctx := c.Request.Context()
	notify(ctx, h.events, bridge.Event{Kind: bridge.GroupCreated, GroupID: group.ID})
	h.emit(ctx, group.ID, ch)

	h.respond(c, http.StatusCreated, &group)
}

// UpdateGroup replaces a group (PUT /scim/v2/Groups/:id)
func (h *GroupHandler) UpdateGroup(c *gin.Context) {
	group, ok := h.load(c)
	if !ok {
		return
	}

	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error(), "")
		return
	}

	fields := map[string]interface{}{}
	if req.DisplayName != "" && req.DisplayName != group.Name {
		fields["name"] = req.DisplayName
	}
	if req.ExternalID != "" && req.ExternalID != group.ExternalID {
		fields["external_id"] = req.ExternalID
	}

	var ch change
	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := updateFields(tx, group, fields); err != nil {
			return err
		}
		var err error
		ch.joined, ch.left, err = replaceMembers(tx, group.ID, req.memberIDs())
		return err
	})
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to update group", "")
		return
	}

	_, ch.renamed = fields["name"]
	h.emit(c.Request.Context(), group.ID, ch)
	h.respond(c, http.StatusOK, group)
}

// PatchGroup patches a group (PATCH /scim/v2/Groups/:id)
func (h *GroupHandler) PatchGroup(c *gin.Context) {
	group, ok := h.load(c)
	if !ok {
		return
	}

	var patch PatchOp
	if err := c.ShouldBindJSON(&patch); err != nil {
		abort(c, http.StatusBadRequest, err.Error(), "")
		return
	}

	fields := map[string]interface{}{}
	var joined, left []uint
	err := h.db.Transaction(func(tx *gorm.DB) error {
		for _, op := range patch.Operations {
			j, l, err := applyGroupOp(tx, group, op, fields)
			if err != nil {
				return err
			}
			joined, left = mergeDelta(joined, left, j, l)
		}
		if name, ok := fields["name"]; ok && name == group.Name {
			delete(fields, "name")
		}
		return updateFields(tx, group, fields)
	})
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to update group", "")
		return
	}

	_, renamed := fields["name"]
	h.emit(c.Request.Context(), group.ID, change{renamed: renamed, joined: joined, left: left})
	h.respond(c, http.StatusOK, group)
}

// applyGroupOp applies one PATCH operation. Attribute changes are collected
// in fields; membership changes are written immediately.
func applyGroupOp(tx *gorm.DB, group *models.Group, op PatchOperation, fields map[string]interface{}) (joined, left []uint, err error) {
	path := strings.ToLower(op.Path)
	switch strings.ToLower(op.Op) {
	case "replace":
		switch path {
		case "displayname":
			if v, ok := op.Value.(string); ok && v != "" {
				fields["name"] = v
			}
		case "externalid":
			if v, ok := op.Value.(string); ok {
				fields["external_id"] = v
			}
		case "members":
			return replaceMembers(tx, group.ID, patchMemberIDs(op.Value))
		case "":
			if attrs, ok := op.Value.(map[string]interface{}); ok {
				if v, ok := attrs["displayName"].(string); ok && v != "" {
					fields["name"] = v
				}
				if v, ok := attrs["externalId"].(string); ok {
					fields["external_id"] = v
				}
			}
		}
	case "add":
		if strings.HasPrefix(path, "members") {
			joined, err = addMembers(tx, group.ID, patchMemberIDs(op.Value))
		}
	case "remove":
		switch {
		case strings.HasPrefix(path, "members["):
			if id, ok := memberFilterID(op.Path); ok {
				left, err = removeMembers(tx, group.ID, []uint{id})
			}
		case path == "members":
			ids := patchMemberIDs(op.Value)
			if len(ids) == 0 {
				ids, err = currentMembers(tx, group.ID)
				if err != nil {
					return nil, nil, err
				}
			}
			left, err = removeMembers(tx, group.ID, ids)
		case path == "externalid":
			fields["external_id"] = ""
		}
	}
	return joined, left, err
}

// mergeDelta folds one operation's membership delta into the running totals
// so a user added and removed in the same request produces no event
func mergeDelta(joined, left, j, l []uint) ([]uint, []uint) {
	for _, id := range j {
		if i := slices.Index(left, id); i >= 0 {
			left = slices.Delete(left, i, i+1)
			continue
		}
		joined = append(joined, id)
	}
	for _, id := range l {
		if i := slices.Index(joined, id); i >= 0 {
			joined = slices.Delete(joined, i, i+1)
			continue
		}
		left = append(left, id)
	}
	return joined, left
}

// patchMemberIDs reads member ids from a PATCH value: a list of
// {"value": "id"} objects or a single one
func patchMemberIDs(v interface{}) []uint {
	var items []interface{}
	switch val := v.(type) {
	case []interface{}:
		items = val
	case map[string]interface{}:
		items = []interface{}{val}
	}

	ids := make([]uint, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		s, ok := m["value"].(string)
		if !ok {
			continue
		}
		if id, err := strconv.ParseUint(s, 10, 32); err == nil {
			ids = append(ids, uint(id))
		}
	}
	return ids
}

// memberFilterID parses paths like members[value eq "123"]
func memberFilterID(path string) (uint, bool) {
	start := strings.IndexByte(path, '[')
	end := strings.LastIndexByte(path, ']')
	if start < 0 || end <= start {
		return 0, false
	}
	v, ok := filterValue(strings.TrimSpace(path[start+1:end]), "value")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// updateFields writes only the named columns so the remote_* columns
// maintained by the cloud side are never overwritten
func updateFields(tx *gorm.DB, group *models.Group, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	if err := tx.Model(group).Updates(fields).Error; err != nil {
		return err
	}
	if v, ok := fields["name"].(string); ok {
		group.Name = v
	}
	if v, ok := fields["external_id"].(string); ok {
		group.ExternalID = v
	}
	return nil
}

func currentMembers(tx *gorm.DB, groupID uint) ([]uint, error) {
	var ids []uint
	err := tx.Model(&models.GroupMembership{}).Where("group_id = ?", groupID).Order("user_id").Pluck("user_id", &ids).Error
	return ids, err
}

// addMembers adds the existing users among ids that are not yet members
// and returns those it added
func addMembers(tx *gorm.DB, groupID uint, ids []uint) ([]uint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var known []uint
	if err := tx.Model(&models.User{}).Where("id IN ?", ids).Pluck("id", &known).Error; err != nil {
		return nil, err
	}
	current, err := currentMembers(tx, groupID)
	if err != nil {
		return nil, err
	}

	var added []uint
	for _, id := range ids {
		if !slices.Contains(known, id) || slices.Contains(current, id) || slices.Contains(added, id) {
			continue
		}
		membership := models.GroupMembership{UserID: id, GroupID: groupID, Role: models.GroupRoleMember}
		if err := tx.Create(&membership).Error; err != nil {
			return nil, err
		}
		added = append(added, id)
	}
	return added, nil
}

// removeMembers deletes the memberships of ids and returns the users that
// actually were members
func removeMembers(tx *gorm.DB, groupID uint, ids []uint) ([]uint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	current, err := currentMembers(tx, groupID)
	if err != nil {
		return nil, err
	}

	var removed []uint
	for _, id := range ids {
		if slices.Contains(current, id) && !slices.Contains(removed, id) {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	err = tx.Where("group_id = ? AND user_id IN ?", groupID, removed).Delete(&models.GroupMembership{}).Error
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// replaceMembers makes ids the exact member set
func replaceMembers(tx *gorm.DB, groupID uint, ids []uint) (joined, left []uint, err error) {
	current, err := currentMembers(tx, groupID)
	if err != nil {
		return nil, nil, err
	}
	var gone []uint
	for _, id := range current {
		if !slices.Contains(ids, id) {
			gone = append(gone, id)
		}
	}
	if left, err = removeMembers(tx, groupID, gone); err != nil {
		return nil, nil, err
	}
	if joined, err = addMembers(tx, groupID, ids); err != nil {
		return nil, nil, err
	}
	return joined, left, nil
}

// DeleteGroup deletes a group (DELETE /scim/v2/Groups/:id). The cloud
// group and folder are left in place.
func (h *GroupHandler) DeleteGroup(c *gin.Context) {
	group, ok := h.load(c)
	if !ok {
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("group_id = ?", group.ID).Delete(&models.GroupMembership{}).Error; err != nil {
			return err
		}
		return tx.Delete(group).Error
	})
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to delete group", "")
		return
	}

	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers SCIM Group routes
func (h *GroupHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/Groups", h.ListGroups)
	rg.GET("/Groups/:id", h.GetGroup)
	rg.POST("/Groups", h.CreateGroup)
	rg.PUT("/Groups/:id", h.UpdateGroup)
	rg.PATCH("/Groups/:id", h.PatchGroup)
	rg.DELETE("/Groups/:id", h.DeleteGroup)
}
