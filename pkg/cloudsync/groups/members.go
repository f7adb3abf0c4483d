package groups

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mikepea/cloudsync/pkg/cloudsync/auth"
	"github.com/mikepea/cloudsync/pkg/cloudsync/bridge"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

// MemberResponse represents a group member in API responses
type MemberResponse struct {
	ID    uint   `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// AddMemberRequest represents a request to add a member
type AddMemberRequest struct {
	Email string `json:"email" binding:"required,email"`
	Role  string `json:"role" binding:"required,oneof=admin member"`
}

// UpdateMemberRequest represents a request to update a member's role
type UpdateMemberRequest struct {
	Role string `json:"role" binding:"required,oneof=admin member"`
}

func memberIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("userId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return 0, false
	}
	return uint(id), true
}

// ListMembers returns all members of a group
func (h *Handler) ListMembers(c *gin.Context) {
	group, _, ok := h.access(c, false)
	if !ok {
		return
	}

	var memberships []models.GroupMembership
	if err := h.db.Preload("User").Where("group_id = ?", group.ID).Order("user_id").Find(&memberships).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch members"})
		return
	}

	members := make([]MemberResponse, len(memberships))
	for i, m := range memberships {
		members[i] = MemberResponse{
			ID:    m.User.ID,
			Email: m.User.Email,
			Name:  m.User.Name,
			Role:  string(m.Role),
		}
	}

	c.JSON(http.StatusOK, members)
}

// AddMember adds a user to a group (admin only)
func (h *Handler) AddMember(c *gin.Context) {
	group, _, ok := h.access(c, true)
	if !ok {
		return
	}

	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var target models.User
	if err := h.db.Where("email = ?", req.Email).First(&target).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	var existing models.GroupMembership
	if err := h.db.Where("user_id = ? AND group_id = ?", target.ID, group.ID).First(&existing).Error; err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "User is already a member"})
		return
	}

	membership := models.GroupMembership{
		UserID:  target.ID,
		GroupID: group.ID,
		Role:    models.GroupRole(req.Role),
	}
	if err := h.db.Create(&membership).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add member"})
		return
	}

	h.notify(c, bridge.Event{Kind: bridge.UserJoinedGroup, GroupID: group.ID, UserID: target.ID, Group: group})

	c.JSON(http.StatusCreated, MemberResponse{
		ID:    target.ID,
		Email: target.Email,
		Name:  target.Name,
		Role:  req.Role,
	})
}

// UpdateMember updates a member's role (admin only)
func (h *Handler) UpdateMember(c *gin.Context) {
	group, _, ok := h.access(c, true)
	if !ok {
		return
	}
	memberID, ok := memberIDParam(c)
	if !ok {
		return
	}

	var req UpdateMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var membership models.GroupMembership
	if err := h.db.Preload("User").Where("user_id = ? AND group_id = ?", memberID, group.ID).First(&membership).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Member not found"})
		return
	}

	if err := h.db.Model(&membership).Update("role", req.Role).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update member"})
		return
	}

	c.JSON(http.StatusOK, MemberResponse{
		ID:    membership.User.ID,
		Email: membership.User.Email,
		Name:  membership.User.Name,
		Role:  req.Role,
	})
}

// RemoveMember removes a user from a group (admin only)
func (h *Handler) RemoveMember(c *gin.Context) {
	group, _, ok := h.access(c, true)
	if !ok {
		return
	}
	memberID, ok := memberIDParam(c)
	if !ok {
		return
	}

	userID, _ := auth.GetUserID(c)
	if userID == memberID {
		var adminCount int64
		h.db.Model(&models.GroupMembership{}).Where("group_id = ? AND role = ?", group.ID, models.GroupRoleAdmin).Count(&adminCount)
		if adminCount <= 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot remove the last admin"})
			return
		}
	}

	result := h.db.Where("user_id = ? AND group_id = ?", memberID, group.ID).Delete(&models.GroupMembership{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove member"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Member not found"})
		return
	}

	h.notify(c, bridge.Event{Kind: bridge.UserLeftGroup, GroupID: group.ID, UserID: memberID, Group: group})

	c.JSON(http.StatusOK, gin.H{"message": "Member removed"})
}

// RegisterMemberRoutes registers member management routes
func (h *Handler) RegisterMemberRoutes(rg *gin.RouterGroup) {
	rg.GET("/:id/members", h.ListMembers)
	rg.POST("/:id/members", h.AddMember)
	rg.PUT("/:id/members/:userId", h.UpdateMember)
	rg.DELETE("/:id/members/:userId", h.RemoveMember)
}
