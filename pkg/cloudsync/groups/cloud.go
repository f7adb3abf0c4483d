package groups

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mikepea/cloudsync/pkg/cloudsync/auth"
	"github.com/mikepea/cloudsync/pkg/cloudsync/bridge"
	"github.com/mikepea/cloudsync/pkg/cloudsync/listing"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

const (
	defaultFilesLimit = 20
	maxFilesLimit     = 200
)

// CloudResponse describes a group's backend state
type CloudResponse struct {
	GroupID          uint    `json:"group_id"`
	CloudEnabled     bool    `json:"cloud_enabled"`
	RemoteGroupID    *string `json:"remote_group_id"`
	RemoteFolderName *string `json:"remote_folder_name"`
	RemoteFolderID   *int64  `json:"remote_folder_id"`
	FolderURL        string  `json:"folder_url"`
}

// SetCloudRequest switches the cloud feature for a group
type SetCloudRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *Handler) cloudResponse(group *models.Group) CloudResponse {
	return CloudResponse{
		GroupID:          group.ID,
		CloudEnabled:     group.CloudEnabled,
		RemoteGroupID:    group.RemoteGroupID,
		RemoteFolderName: group.RemoteFolderName,
		RemoteFolderID:   group.RemoteFolderID,
		FolderURL:        h.files.GroupFolderURL(group),
	}
}

// GetCloud returns the group's backend identifiers and folder link
func (h *Handler) GetCloud(c *gin.Context) {
	group, _, ok := h.access(c, false)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.cloudResponse(group))
}

// SetCloud enables or disables the cloud feature (admin only). Enabling
// provisions the backend group, folder and current members.
func (h *Handler) SetCloud(c *gin.Context) {
	group, _, ok := h.access(c, true)
	if !ok {
		return
	}

	var req SetCloudRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enabled := *req.Enabled
	if enabled != group.CloudEnabled {
		if err := h.db.Model(group).UpdateColumn("cloud_enabled", enabled).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update group"})
			return
		}
		group.CloudEnabled = enabled

		kind := bridge.CloudDeactivated
		if enabled {
			kind = bridge.CloudActivated
		}
		h.notify(c, bridge.Event{Kind: kind, GroupID: group.ID})

		// activation may have written the backend identifiers
		if err := h.db.First(group, group.ID).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reload group"})
			return
		}
	}

	c.JSON(http.StatusOK, h.cloudResponse(group))
}

func pageQuery(c *gin.Context) (listing.Query, bool) {
	q := listing.Query{Limit: defaultFilesLimit}
	var err error

	if v := c.Query("ordered"); v != "" {
		if q.Ordered, err = strconv.ParseBool(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ordered flag"})
			return q, false
		}
	}
	if v := c.Query("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return q, false
		}
		q.Limit = min(q.Limit, maxFilesLimit)
	}
	if v := c.Query("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil || q.Offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offset"})
			return q, false
		}
	}
	return q, true
}

func (h *Handler) listFiles(c *gin.Context, q listing.Query) {
	userID, _ := auth.GetUserID(c)
	q.UserID = bridge.RemoteUserID(h.userPrefix, userID)

	page, err := h.files.Files(c.Request.Context(), q)
	if err != nil {
		logging.Error().Err(err).Str("root", q.Root).Msg("cloud file listing failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Cloud backend unavailable"})
		return
	}
	c.JSON(http.StatusOK, page)
}

// GroupFiles lists the files in the group's backend folder
func (h *Handler) GroupFiles(c *gin.Context) {
	group, _, ok := h.access(c, false)
	if !ok {
		return
	}
	if !group.CloudEnabled || group.RemoteFolderName == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group has no cloud folder"})
		return
	}

	q, ok := pageQuery(c)
	if !ok {
		return
	}
	q.Root = *group.RemoteFolderName
	h.listFiles(c, q)
}

// AllFiles lists files across the whole backend
func (h *Handler) AllFiles(c *gin.Context) {
	q, ok := pageQuery(c)
	if !ok {
		return
	}
	h.listFiles(c, q)
}

// RegisterCloudRoutes registers the per-group cloud routes
func (h *Handler) RegisterCloudRoutes(rg *gin.RouterGroup) {
	rg.GET("/:id/cloud", h.GetCloud)
	rg.PUT("/:id/cloud", h.SetCloud)
	rg.GET("/:id/cloud/files", h.GroupFiles)
}

// RegisterFileRoutes registers the backend-wide listing
func (h *Handler) RegisterFileRoutes(rg *gin.RouterGroup) {
	rg.GET("/files", h.AllFiles)
}
