package scim

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mikepea/cloudsync/pkg/cloudsync/bridge"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

// UserHandler handles SCIM User operations. Every committed change is
// reported to the event bridge so the cloud account follows.
type UserHandler struct {
	db      *gorm.DB
	baseURL string
	events  bridge.Notifier
}

// NewUserHandler creates a new SCIM User handler
func NewUserHandler(db *gorm.DB, baseURL string, events bridge.Notifier) *UserHandler {
	if events == nil {
		events = bridge.Discard
	}
	return &UserHandler{db: db, baseURL: baseURL, events: events}
}

func notify(ctx context.Context, events bridge.Notifier, ev bridge.Event) {
	if err := events.Notify(ctx, ev); err != nil {
		logging.Warn().Err(err).Str("event", ev.Kind.String()).
			Uint("user_id", ev.UserID).Uint("group_id", ev.GroupID).
			Msg("scim event failed")
	}
}

func (h *UserHandler) userToSCIM(user *models.User) User {
	emails := []Email{}
	if user.Email != "" {
		emails = append(emails, Email{Value: user.Email, Type: "work", Primary: true})
	}

	created := user.CreatedAt
	updated := user.UpdatedAt

	return User{
		Schemas:    []string{SchemaUser},
		ID:         strconv.FormatUint(uint64(user.ID), 10),
		ExternalID: user.ExternalID,
		Meta: Meta{
			ResourceType: "User",
			Created:      &created,
			LastModified: &updated,
			Location:     fmt.Sprintf("%s/scim/v2/Users/%d", h.baseURL, user.ID),
		},
		UserName:    user.Email,
		DisplayName: user.DisplayName(),
		Name: Name{
			Formatted:  user.Name,
			GivenName:  user.GivenName,
			FamilyName: user.FamilyName,
		},
		Emails: emails,
		Active: user.Active,
	}
}

// ListUsers returns users (GET /scim/v2/Users)
func (h *UserHandler) ListUsers(c *gin.Context) {
	startIndex, count := pageParams(c)
	filter := c.Query("filter")

	query := h.db.Model(&models.User{})
	if v, ok := filterValue(filter, "userName"); ok {
		query = query.Where("email = ?", v)
	} else if v, ok := filterValue(filter, "externalId"); ok {
		query = query.Where("external_id = ?", v)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		abort(c, http.StatusInternalServerError, "Failed to list users", "")
		return
	}

	var users []models.User
	if err := query.Order("id").Offset(startIndex - 1).Limit(count).Find(&users).Error; err != nil {
		abort(c, http.StatusInternalServerError, "Failed to list users", "")
		return
	}

	resources := make([]User, len(users))
	for i := range users {
		resources[i] = h.userToSCIM(&users[i])
	}

	c.JSON(http.StatusOK, ListResponse{
		Schemas:      []string{SchemaListResponse},
		TotalResults: int(total),
		StartIndex:   startIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

func (h *UserHandler) load(c *gin.Context) (*models.User, bool) {
	id, ok := idParam(c)
	if !ok {
		abort(c, http.StatusBadRequest, "Invalid user ID", "")
		return nil, false
	}
	var user models.User
	if err := h.db.First(&user, id).Error; err != nil {
		abort(c, http.StatusNotFound, "User not found", "")
		return nil, false
	}
	return &user, true
}

// GetUser returns a single user (GET /scim/v2/Users/:id)
func (h *UserHandler) GetUser(c *gin.Context) {
	user, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.userToSCIM(user))
}

// CreateUserRequest represents a SCIM user creation or replacement request
type CreateUserRequest struct {
	Schemas     []string `json:"schemas"`
	ExternalID  string   `json:"externalId"`
	UserName    string   `json:"userName"`
	Name        Name     `json:"name"`
	DisplayName string   `json:"displayName"`
	Emails      []Email  `json:"emails"`
	Active      *bool    `json:"active"`
}

func (r *CreateUserRequest) email() string {
	if r.UserName != "" {
		return r.UserName
	}
	email := ""
	for _, e := range r.Emails {
		if e.Primary || email == "" {
			email = e.Value
		}
	}
	return email
}

func (r *CreateUserRequest) name() string {
	switch {
	case r.DisplayName != "":
		return r.DisplayName
	case r.Name.Formatted != "":
		return r.Name.Formatted
	case r.Name.GivenName != "" || r.Name.FamilyName != "":
		return strings.TrimSpace(r.Name.GivenName + " " + r.Name.FamilyName)
	}
	return ""
}

// CreateUser provisions a user into the token's organization (POST /scim/v2/Users)
func (h *UserHandler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error(), "")
		return
	}

	email := req.email()
	if email == "" {
		abort(c, http.StatusBadRequest, "userName or email is required", "invalidValue")
		return
	}

	var existing models.User
	if err := h.db.Where("email = ?", email).First(&existing).Error; err == nil {
		abort(c, http.StatusConflict, "User with this email already exists", "uniqueness")
		return
	}

	name := req.name()
	if name == "" {
		name = strings.Split(email, "@")[0]
	}

	user := models.User{
		ExternalID: req.ExternalID,
		Email:      email,
		Name:       name,
		GivenName:  req.Name.GivenName,
		FamilyName: req.Name.FamilyName,
		Active:     true,
		SystemRole: models.SystemRoleUser,
	}

	orgID, _ := GetSCIMOrgID(c)
	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		// the active column defaults to true, so an inactive user is written in a second step
		if req.Active != nil && !*req.Active {
			if err := tx.Model(&user).Update("active", false).Error; err != nil {
				return err
			}
			user.Active = false
		}
		if orgID == 0 {
			return nil
		}
		return tx.Create(&models.OrganizationMembership{
			OrganizationID: orgID,
			UserID:         user.ID,
			Role:           models.OrgRoleMember,
		}).Error
	})
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to create user", "")
		return
	}

	ctx := c.Request.Context()
	notify(ctx, h.events, bridge.Event{Kind: bridge.UserCreated, UserID: user.ID, User: &user})
	if !user.Active {
		notify(ctx, h.events, bridge.Event{Kind: bridge.UserDeactivated, UserID: user.ID, User: &user})
	}

	c.JSON(http.StatusCreated, h.userToSCIM(&user))
}

// save persists user and reports an activation change
func (h *UserHandler) save(c *gin.Context, user *models.User, wasActive bool) {
	if err := h.db.Save(user).Error; err != nil {
		abort(c, http.StatusInternalServerError, "Failed to update user", "")
		return
	}

	switch {
	case wasActive && !user.Active:
		notify(c.Request.Context(), h.events, bridge.Event{Kind: bridge.UserDeactivated, UserID: user.ID, User: user})
	case !wasActive && user.Active:
		notify(c.Request.Context(), h.events, bridge.Event{Kind: bridge.UserReactivated, UserID: user.ID, User: user})
	}

	c.JSON(http.StatusOK, h.userToSCIM(user))
}

// UpdateUser replaces a user (PUT /scim/v2/Users/:id)
func (h *UserHandler) UpdateUser(c *gin.Context) {
	user, ok := h.load(c)
	if !ok {
		return
	}

	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error(), "")
		return
	}

	wasActive := user.Active
	if req.ExternalID != "" {
		user.ExternalID = req.ExternalID
	}
	if email := req.email(); email != "" {
		user.Email = email
	}
	if name := req.name(); name != "" {
		user.Name = name
	}
	user.GivenName = req.Name.GivenName
	user.FamilyName = req.Name.FamilyName
	if req.Active != nil {
		user.Active = *req.Active
	}

	h.save(c, user, wasActive)
}

// PatchUser patches a user (PATCH /scim/v2/Users/:id)
func (h *UserHandler) PatchUser(c *gin.Context) {
	user, ok := h.load(c)
	if !ok {
		return
	}

	var patch PatchOp
	if err := c.ShouldBindJSON(&patch); err != nil {
		abort(c, http.StatusBadRequest, err.Error(), "")
		return
	}

	wasActive := user.Active
	for _, op := range patch.Operations {
		switch strings.ToLower(op.Op) {
		case "replace", "add":
			applyUserReplace(user, op)
		case "remove":
			applyUserRemove(user, op)
		}
	}

	h.save(c, user, wasActive)
}

// boolValue accepts both JSON booleans and the "True"/"False" strings some
// identity providers send
func boolValue(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

func applyUserReplace(user *models.User, op PatchOperation) {
	str := func(dst *string) {
		if v, ok := op.Value.(string); ok {
			*dst = v
		}
	}

	switch strings.ToLower(op.Path) {
	case "active":
		if v, ok := boolValue(op.Value); ok {
			user.Active = v
		}
	case "username":
		str(&user.Email)
	case "displayname":
		str(&user.Name)
	case "externalid":
		str(&user.ExternalID)
	case "name.givenname":
		str(&user.GivenName)
	case "name.familyname":
		str(&user.FamilyName)
	case "name":
		if m, ok := op.Value.(map[string]interface{}); ok {
			if v, ok := m["givenName"].(string); ok {
				user.GivenName = v
			}
			if v, ok := m["familyName"].(string); ok {
				user.FamilyName = v
			}
			if v, ok := m["formatted"].(string); ok {
				user.Name = v
			}
		}
	case "":
		if attrs, ok := op.Value.(map[string]interface{}); ok {
			if v, ok := boolValue(attrs["active"]); ok {
				user.Active = v
			}
			if v, ok := attrs["userName"].(string); ok {
				user.Email = v
			}
			if v, ok := attrs["displayName"].(string); ok {
				user.Name = v
			}
			if v, ok := attrs["externalId"].(string); ok {
				user.ExternalID = v
			}
		}
	}
}

func applyUserRemove(user *models.User, op PatchOperation) {
	switch strings.ToLower(op.Path) {
	case "externalid":
		user.ExternalID = ""
	case "name.givenname":
		user.GivenName = ""
	case "name.familyname":
		user.FamilyName = ""
	}
}

// DeleteUser removes a user and its memberships (DELETE /scim/v2/Users/:id).
// The row is removed for good so the email can be provisioned again.
func (h *UserHandler) DeleteUser(c *gin.Context) {
	user, ok := h.load(c)
	if !ok {
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
		abort(c, http.StatusInternalServerError, "Failed to delete user", "")
		return
	}

	notify(c.Request.Context(), h.events, bridge.Event{Kind: bridge.UserDeleted, UserID: user.ID, User: user})
	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers SCIM User routes
func (h *UserHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/Users", h.ListUsers)
	rg.GET("/Users/:id", h.GetUser)
	rg.POST("/Users", h.CreateUser)
	rg.PUT("/Users/:id", h.UpdateUser)
	rg.PATCH("/Users/:id", h.PatchUser)
	rg.DELETE("/Users/:id", h.DeleteUser)
}
