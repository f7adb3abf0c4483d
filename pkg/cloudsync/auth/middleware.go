package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

const (
	// ContextKeyUserID is the key for user ID in gin context
	ContextKeyUserID = "user_id"
	// ContextKeyEmail is the key for email in gin context
	ContextKeyEmail = "email"
	// ContextKeySystemRole is the key for system role in gin context
	ContextKeySystemRole = "system_role"
	// ContextKeyOrgID is the key for organization ID in gin context
	ContextKeyOrgID = "organization_id"
)

var errNoBearer = errors.New("authorization header required")

// bearerClaims extracts and validates the bearer token of a request
func bearerClaims(c *gin.Context) (*Claims, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return nil, errNoBearer
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return nil, ErrInvalidToken
	}
	return ValidateToken(parts[1])
}

// AuthMiddleware validates JWT tokens and sets user info in context
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := bearerClaims(c)
		if err != nil {
			switch {
			case errors.Is(err, errNoBearer):
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			case errors.Is(err, ErrExpiredToken):
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Token has expired"})
			default:
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			}
			c.Abort()
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyEmail, claims.Email)
		c.Set(ContextKeySystemRole, claims.SystemRole)

		c.Next()
	}
}

// RequireAdmin middleware checks if the user has admin system role
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get(ContextKeySystemRole)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		if role != string(models.SystemRoleAdmin) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetUserID returns the user ID from the gin context
func GetUserID(c *gin.Context) (uint, bool) {
	userID, exists := c.Get(ContextKeyUserID)
	if !exists {
		return 0, false
	}
	return userID.(uint), true
}

// GetSystemRole returns the system role from the gin context
func GetSystemRole(c *gin.Context) (string, bool) {
	role, exists := c.Get(ContextKeySystemRole)
	if !exists {
		return "", false
	}
	return role.(string), true
}

// GetOrgID returns the organization ID from the gin context
func GetOrgID(c *gin.Context) (uint, bool) {
	orgID, exists := c.Get(ContextKeyOrgID)
	if !exists {
		return 0, false
	}
	return orgID.(uint), true
}

// OrgMiddleware resolves the organization a request works in from the
// X-Organization-ID header (or org_id query parameter). Without either,
// the global organization is used and the user is enrolled in it.
func OrgMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := GetUserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		orgIDStr := c.GetHeader("X-Organization-ID")
		if orgIDStr == "" {
			orgIDStr = c.Query("org_id")
		}

		var orgID uint
		var membership models.OrganizationMembership

		if orgIDStr != "" {
			parsed, err := strconv.ParseUint(orgIDStr, 10, 32)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid organization ID"})
				c.Abort()
				return
			}
			orgID = uint(parsed)

			if err := db.Where("user_id = ? AND organization_id = ?", userID, orgID).First(&membership).Error; err != nil {
				c.JSON(http.StatusForbidden, gin.H{"error": "Not a member of this organization"})
				c.Abort()
				return
			}
		} else {
			globalOrg, err := models.EnsureGlobalOrganization(db)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Global organization not found"})
				c.Abort()
				return
			}
			orgID = globalOrg.ID

			membership = models.OrganizationMembership{
				OrganizationID: orgID,
				UserID:         userID,
				Role:           models.OrgRoleMember,
			}
			if err := db.Where("user_id = ? AND organization_id = ?", userID, orgID).
				FirstOrCreate(&membership).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add user to global organization"})
				c.Abort()
				return
			}
		}

		c.Set(ContextKeyOrgID, orgID)
		c.Next()
	}
}
