package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mikepea/cloudsync/pkg/cloudsync/bridge"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

// Handler handles authentication requests
type Handler struct {
	db     *gorm.DB
	events bridge.Notifier
}

// NewHandler creates a new auth handler
func NewHandler(db *gorm.DB, events bridge.Notifier) *Handler {
	if events == nil {
		events = bridge.Discard
	}
	return &Handler{db: db, events: events}
}

// RegisterRequest represents the registration request body
type RegisterRequest struct {
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required,min=8"`
	Name       string `json:"name" binding:"required"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

// UserResponse represents user data in responses
type UserResponse struct {
	ID         uint   `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	SystemRole string `json:"system_role"`
}

// UserInfoResponse is the profile the cloud backend's OAuth login reads
type UserInfoResponse struct {
	Success     bool     `json:"success"`
	ID          uint     `json:"id,omitempty"`
	Email       string   `json:"email,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Groups      []string `json:"groups,omitempty"`
}

func toUserResponse(u *models.User) UserResponse {
	return UserResponse{
		ID:         u.ID,
		Email:      u.Email,
		Name:       u.Name,
		SystemRole: string(u.SystemRole),
	}
}

// Register creates a platform account. The cloud account follows through
// the user-created event.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var existingUser models.User
	if err := h.db.Where("email = ?", req.Email).First(&existingUser).Error; err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Email already registered"})
		return
	}

	hashedPassword, err := HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process password"})
		return
	}

	user := models.User{
		Email:        req.Email,
		PasswordHash: hashedPassword,
		Name:         req.Name,
		GivenName:    req.GivenName,
		FamilyName:   req.FamilyName,
		Active:       true,
		SystemRole:   models.SystemRoleUser,
	}
	if err := h.db.Create(&user).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		return
	}

	if err := h.events.Notify(c.Request.Context(), bridge.Event{Kind: bridge.UserCreated, User: &user}); err != nil {
		logging.Warn().Err(err).Uint("user_id", user.ID).Msg("user created event failed")
	}

	token, err := GenerateToken(user.ID, user.Email, string(user.SystemRole))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusCreated, AuthResponse{Token: token, User: toUserResponse(&user)})
}

// Login handles user login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user models.User
	if err := h.db.Where("email = ?", req.Email).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	if !user.Active || !CheckPassword(req.Password, user.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	token, err := GenerateToken(user.ID, user.Email, string(user.SystemRole))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, AuthResponse{Token: token, User: toUserResponse(&user)})
}

// Me returns the current authenticated user
func (h *Handler) Me(c *gin.Context) {
	userID, exists := GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	c.JSON(http.StatusOK, toUserResponse(&user))
}

// Logout handles user logout (client-side token invalidation)
func (h *Handler) Logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

// UserInfo answers the cloud backend's OAuth profile lookup. Anonymous or
// inactive callers get {"success": false} rather than an error status.
func (h *Handler) UserInfo(c *gin.Context) {
	claims, err := bearerClaims(c)
	if err != nil {
		c.JSON(http.StatusOK, UserInfoResponse{Success: false})
		return
	}

	var user models.User
	if err := h.db.First(&user, claims.UserID).Error; err != nil || !user.Active {
		c.JSON(http.StatusOK, UserInfoResponse{Success: false})
		return
	}

	var groups []string
	err = h.db.Model(&models.Group{}).
		Joins("JOIN group_memberships ON group_memberships.group_id = groups.id").
		Where("group_memberships.user_id = ?", user.ID).
		Order("groups.id").
		Pluck("groups.name", &groups).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load groups"})
		return
	}

	displayName := strings.TrimSpace(user.GivenName + " " + user.FamilyName)
	if displayName == "" {
		displayName = user.DisplayName()
	}

	c.JSON(http.StatusOK, UserInfoResponse{
		Success:     true,
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: displayName,
		Groups:      groups,
	})
}

// RegisterRoutes registers auth routes on the given router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/register", h.Register)
	rg.POST("/login", h.Login)
	rg.POST("/logout", h.Logout)
	rg.GET("/me", AuthMiddleware(), h.Me)
}

// RegisterOAuthRoutes registers the profile endpoint used by the cloud backend
func (h *Handler) RegisterOAuthRoutes(rg *gin.RouterGroup) {
	rg.GET("/userinfo", h.UserInfo)
}
