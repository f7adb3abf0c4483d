// Package admin serves system administration endpoints: users, statistics
// and on-demand reconciliation against the cloud backend.
package admin

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker/v2"
	"gorm.io/gorm"

	"github.com/mikepea/cloudsync/pkg/cloudsync/auth"
	"github.com/mikepea/cloudsync/pkg/cloudsync/bridge"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
	"github.com/mikepea/cloudsync/pkg/cloudsync/reconcile"
	"github.com/mikepea/cloudsync/pkg/cloudsync/retry"
)

// Syncer runs reconciliation passes
type Syncer interface {
	SyncUsers(ctx context.Context) (reconcile.Summary, error)
	SyncGroups(ctx context.Context) (reconcile.Summary, error)
}

// Executor reports retry executor counters
type Executor interface {
	Stats() retry.Stats
}

// Breaker reports the cloud backend circuit breaker state
type Breaker interface {
	BreakerState() gobreaker.State
}

// Handler handles admin requests
type Handler struct {
	db      *gorm.DB
	events  bridge.Notifier
	syncer  Syncer
	exec    Executor
	breaker Breaker

	// one reconciliation pass at a time
	syncing sync.Mutex
}

// NewHandler creates a new admin handler. breaker may be nil.
func NewHandler(db *gorm.DB, events bridge.Notifier, syncer Syncer, exec Executor, breaker Breaker) *Handler {
	if events == nil {
		events = bridge.Discard
	}
	return &Handler{db: db, events: events, syncer: syncer, exec: exec, breaker: breaker}
}

// UserResponse represents user data in admin responses
type UserResponse struct {
	ID         uint   `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	SystemRole string `json:"system_role"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at"`
	GroupCount int64  `json:"group_count"`
}

// UpdateUserRequest represents the request to update a user
type UpdateUserRequest struct {
	Name       *string `json:"name"`
	SystemRole *string `json:"system_role"`
	Active     *bool   `json:"active"`
}

// StatsResponse represents system statistics
type StatsResponse struct {
	TotalUsers        int64       `json:"total_users"`
	ActiveUsers       int64       `json:"active_users"`
	AdminUsers        int64       `json:"admin_users"`
	TotalGroups       int64       `json:"total_groups"`
	CloudGroups       int64       `json:"cloud_groups"`
	ProvisionedGroups int64       `json:"provisioned_groups"`
	GroupFolders      int64       `json:"group_folders"`
	Tasks             retry.Stats `json:"tasks"`
	Breaker           string      `json:"breaker,omitempty"`
}

func (h *Handler) toUserResponse(user *models.User) UserResponse {
	var groupCount int64
	h.db.Model(&models.GroupMembership{}).Where("user_id = ?", user.ID).Count(&groupCount)

	return UserResponse{
		ID:         user.ID,
		Email:      user.Email,
		Name:       user.Name,
		SystemRole: string(user.SystemRole),
		Active:     user.Active,
		CreatedAt:  user.CreatedAt.Format("2006-01-02T15:04:05Z"),
		GroupCount: groupCount,
	}
}

func (h *Handler) notify(c *gin.Context, ev bridge.Event) {
	if err := h.events.Notify(c.Request.Context(), ev); err != nil {
		logging.Warn().Err(err).Str("event", ev.Kind.String()).Uint("user_id", ev.UserID).Msg("admin event failed")
	}
}

// ListUsers returns all users (admin only)
func (h *Handler) ListUsers(c *gin.Context) {
	query := h.db.Order("created_at DESC")

	if search := c.Query("q"); search != "" {
		query = query.Where("email LIKE ? OR name LIKE ?", "%"+search+"%", "%"+search+"%")
	}
	if role := c.Query("role"); role != "" {
		query = query.Where("system_role = ?", role)
	}

	var users []models.User
	if err := query.Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch users"})
		return
	}

	responses := make([]UserResponse, len(users))
	for i := range users {
		responses[i] = h.toUserResponse(&users[i])
	}
	c.JSON(http.StatusOK, responses)
}

func (h *Handler) loadUser(c *gin.Context) (*models.User, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return nil, false
	}
	var user models.User
	if err := h.db.First(&user, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return nil, false
	}
	return &user, true
}

// GetUser returns a single user by ID (admin only)
func (h *Handler) GetUser(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.toUserResponse(user))
}

// UpdateUser updates a user's profile, role or activation (admin only).
// Activation changes disable or re-enable the backend account.
func (h *Handler) UpdateUser(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}

	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	currentUserID, _ := auth.GetUserID(c)
	if user.ID == currentUserID {
		if req.SystemRole != nil && *req.SystemRole != string(models.SystemRoleAdmin) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot demote yourself"})
			return
		}
		if req.Active != nil && !*req.Active {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot deactivate yourself"})
			return
		}
	}

	updates := make(map[string]interface{})
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.SystemRole != nil {
		if *req.SystemRole != string(models.SystemRoleAdmin) && *req.SystemRole != string(models.SystemRoleUser) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid system role"})
			return
		}
		updates["system_role"] = *req.SystemRole
	}
	wasActive := user.Active
	if req.Active != nil {
		updates["active"] = *req.Active
	}

	if len(updates) > 0 {
		if err := h.db.Model(user).Updates(updates).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update user"})
			return
		}
	}
	h.db.First(user, user.ID)

	switch {
	case wasActive && !user.Active:
		h.notify(c, bridge.Event{Kind: bridge.UserDeactivated, UserID: user.ID, User: user})
	case !wasActive && user.Active:
		h.notify(c, bridge.Event{Kind: bridge.UserReactivated, UserID: user.ID, User: user})
	}

	c.JSON(http.StatusOK, h.toUserResponse(user))
}

// DeleteUser removes a user and its memberships (admin only). The backend
// account is deleted through the user-deleted event.
func (h *Handler) DeleteUser(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}

	currentUserID, _ := auth.GetUserID(c)
	if user.ID == currentUserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot delete yourself"})
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.GroupMembership{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("user_id = ?", user.ID).Delete(&models.OrganizationMembership{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(user).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete user"})
		return
	}

	h.notify(c, bridge.Event{Kind: bridge.UserDeleted, UserID: user.ID, User: user})
	c.JSON(http.StatusOK, gin.H{"message": "User deleted successfully"})
}

// GetStats returns platform and synchronization statistics (admin only)
func (h *Handler) GetStats(c *gin.Context) {
	var stats StatsResponse

	h.db.Model(&models.User{}).Count(&stats.TotalUsers)
	h.db.Model(&models.User{}).Where("active = ?", true).Count(&stats.ActiveUsers)
	h.db.Model(&models.User{}).Where("system_role = ?", models.SystemRoleAdmin).Count(&stats.AdminUsers)
	h.db.Model(&models.Group{}).Count(&stats.TotalGroups)
	h.db.Model(&models.Group{}).Where("cloud_enabled = ?", true).Count(&stats.CloudGroups)
	h.db.Model(&models.Group{}).Where("remote_group_id IS NOT NULL").Count(&stats.ProvisionedGroups)
	h.db.Model(&models.Group{}).Where("remote_folder_id IS NOT NULL").Count(&stats.GroupFolders)

	if h.exec != nil {
		stats.Tasks = h.exec.Stats()
	}
	if h.breaker != nil {
		stats.Breaker = h.breaker.BreakerState().String()
	}

	c.JSON(http.StatusOK, stats)
}

func (h *Handler) runSync(c *gin.Context, kind string, pass func(context.Context) (reconcile.Summary, error)) {
	if !h.syncing.TryLock() {
		c.JSON(http.StatusConflict, gin.H{"error": "A synchronization pass is already running"})
		return
	}
	defer h.syncing.Unlock()

	summary, err := pass(c.Request.Context())
	if err != nil {
		logging.Error().Err(err).Str("kind", kind).Msg("synchronization pass failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "summary": summary})
		return
	}

	logging.Info().Str("kind", kind).Str("summary", summary.String()).Msg("synchronization pass finished")
	c.JSON(http.StatusOK, summary)
}

// SyncUsers creates missing backend accounts (admin only)
func (h *Handler) SyncUsers(c *gin.Context) {
	h.runSync(c, "users", h.syncer.SyncUsers)
}

// SyncGroups provisions every cloud-enabled group (admin only)
func (h *Handler) SyncGroups(c *gin.Context) {
	h.runSync(c, "groups", h.syncer.SyncGroups)
}

// RegisterRoutes registers admin routes on the given router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stats", h.GetStats)
	rg.GET("/users", h.ListUsers)
	rg.GET("/users/:id", h.GetUser)
	rg.PUT("/users/:id", h.UpdateUser)
	rg.DELETE("/users/:id", h.DeleteUser)
	rg.POST("/cloud/sync/users", h.SyncUsers)
	rg.POST("/cloud/sync/groups", h.SyncGroups)
}
