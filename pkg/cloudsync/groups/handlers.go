// Package groups serves the platform's group, membership and group cloud
// endpoints. Every committed change is reported to the event bridge.
package groups

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mikepea/cloudsync/pkg/cloudsync/auth"
	"github.com/mikepea/cloudsync/pkg/cloudsync/bridge"
	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
	"github.com/mikepea/cloudsync/pkg/cloudsync/listing"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

// Files lists backend files and links to group folders
type Files interface {
	Files(ctx context.Context, q listing.Query) (*listing.Page, error)
	GroupFolderURL(group *models.Group) string
}

// Handler handles group-related requests
type Handler struct {
	db         *gorm.DB
	events     bridge.Notifier
	files      Files
	userPrefix string
}

// NewHandler creates a new groups handler
func NewHandler(db *gorm.DB, events bridge.Notifier, files Files, cloud config.CloudConfig) *Handler {
	if events == nil {
		events = bridge.Discard
	}
	return &Handler{db: db, events: events, files: files, userPrefix: cloud.UserIDPrefix}
}

func (h *Handler) notify(c *gin.Context, ev bridge.Event) {
	if err := h.events.Notify(c.Request.Context(), ev); err != nil {
		logging.Warn().Err(err).Str("event", ev.Kind.String()).
			Uint("group_id", ev.GroupID).Uint("user_id", ev.UserID).
			Msg("group event failed")
	}
}

// CreateGroupRequest represents the request to create a group
type CreateGroupRequest struct {
	Name           string           `json:"name" binding:"required"`
	Description    string           `json:"description"`
	Kind           models.GroupKind `json:"kind" binding:"omitempty,oneof=society project"`
	CloudEnabled   *bool            `json:"cloud_enabled"`
	OrganizationID uint             `json:"organization_id"` // Optional - defaults to org from context or global
}

// UpdateGroupRequest represents the request to update a group
type UpdateGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GroupResponse represents a group in API responses
type GroupResponse struct {
	ID           uint   `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Kind         string `json:"kind"`
	CloudEnabled bool   `json:"cloud_enabled"`
	Role         string `json:"role,omitempty"` // User's role in this group
	MemberCount  int    `json:"member_count,omitempty"`
}

func (h *Handler) toResponse(group *models.Group, role models.GroupRole) GroupResponse {
	var memberCount int64
	h.db.Model(&models.GroupMembership{}).Where("group_id = ?", group.ID).Count(&memberCount)

	return GroupResponse{
		ID:           group.ID,
		Name:         group.Name,
		Description:  group.Description,
		Kind:         string(group.Kind),
		CloudEnabled: group.CloudEnabled,
		Role:         string(role),
		MemberCount:  int(memberCount),
	}
}

func groupIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group ID"})
		return 0, false
	}
	return uint(id), true
}

// access loads the group and the caller's membership in it. With adminOnly
// set, members without the admin role are refused.
func (h *Handler) access(c *gin.Context, adminOnly bool) (*models.Group, *models.GroupMembership, bool) {
	userID, _ := auth.GetUserID(c)
	groupID, ok := groupIDParam(c)
	if !ok {
		return nil, nil, false
	}

	var membership models.GroupMembership
	if err := h.db.Where("user_id = ? AND group_id = ?", userID, groupID).First(&membership).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return nil, nil, false
	}
	if adminOnly && !membership.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
		return nil, nil, false
	}

	var group models.Group
	if err := h.db.First(&group, groupID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return nil, nil, false
	}
	return &group, &membership, true
}

// List returns all groups the current user is a member of
func (h *Handler) List(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var memberships []models.GroupMembership
	if err := h.db.Preload("Group").Where("user_id = ?", userID).Order("group_id").Find(&memberships).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch groups"})
		return
	}

	groups := make([]GroupResponse, 0, len(memberships))
	for _, m := range memberships {
		if m.Group.ID == 0 {
			continue
		}
		groups = append(groups, h.toResponse(&m.Group, m.Role))
	}

	c.JSON(http.StatusOK, groups)
}

// Create creates a group with the caller as admin. The cloud group and
// folder follow through the group-created event, then the creator joins.
func (h *Handler) Create(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orgID := req.OrganizationID
	if orgID == 0 {
		if ctxOrgID, ok := auth.GetOrgID(c); ok {
			orgID = ctxOrgID
		} else {
			org, err := models.EnsureGlobalOrganization(h.db)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Organization not found"})
				return
			}
			orgID = org.ID
		}
	}

	var orgMembership models.OrganizationMembership
	if err := h.db.Where("user_id = ? AND organization_id = ?", userID, orgID).First(&orgMembership).Error; err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a member of this organization"})
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = models.GroupKindSociety
	}

	var group models.Group
	err := h.db.Transaction(func(tx *gorm.DB) error {
		group = models.Group{
			OrganizationID: orgID,
			Name:           req.Name,
			Description:    req.Description,
			Kind:           kind,
			CloudEnabled:   true,
		}
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		// cloud_enabled defaults to true, so opting out is a second write
		if req.CloudEnabled != nil && !*req.CloudEnabled {
			if err := tx.Model(&group).Update("cloud_enabled", false).Error; err != nil {
				return err
			}
			group.CloudEnabled = false
		}
		return tx.Create(&models.GroupMembership{
			UserID:  userID,
			GroupID: group.ID,
			Role:    models.GroupRoleAdmin,
		}).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create group"})
		return
	}

	h.notify(c, bridge.Event{Kind: bridge.GroupCreated, GroupID: group.ID})
	h.notify(c, bridge.Event{Kind: bridge.UserJoinedGroup, GroupID: group.ID, UserID: userID})

	c.JSON(http.StatusCreated, h.toResponse(&group, models.GroupRoleAdmin))
}

// Get returns a specific group
func (h *Handler) Get(c *gin.Context) {
	group, membership, ok := h.access(c, false)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.toResponse(group, membership.Role))
}

// Update changes name or description (admin only). A name change is
// reported as a group save, which renames the backend folder.
func (h *Handler) Update(c *gin.Context) {
	group, membership, ok := h.access(c, true)
	if !ok {
		return
	}

	var req UpdateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fields := map[string]interface{}{}
	if req.Name != "" && req.Name != group.Name {
		fields["name"] = req.Name
	}
	if req.Description != "" && req.Description != group.Description {
		fields["description"] = req.Description
	}

	if len(fields) > 0 {
		// column updates only; remote_* columns belong to the cloud side
		if err := h.db.Model(group).Updates(fields).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update group"})
			return
		}
		if v, ok := fields["name"].(string); ok {
			group.Name = v
		}
		if v, ok := fields["description"].(string); ok {
			group.Description = v
		}
	}

	if _, renamed := fields["name"]; renamed {
		h.notify(c, bridge.Event{Kind: bridge.GroupSaved, GroupID: group.ID})
	}

	c.JSON(http.StatusOK, h.toResponse(group, membership.Role))
}

// Delete deletes a group (admin only). Backend state is left in place.
func (h *Handler) Delete(c *gin.Context) {
	group, _, ok := h.access(c, true)
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
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete group"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Group deleted"})
}

// RegisterRoutes registers group routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
	rg.POST("", h.Create)
	rg.GET("/:id", h.Get)
	rg.PUT("/:id", h.Update)
	rg.DELETE("/:id", h.Delete)
}
