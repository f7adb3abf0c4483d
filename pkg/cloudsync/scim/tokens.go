package scim

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

// ContextKeySCIMOrgID is the key for the provisioning organization in gin context
const ContextKeySCIMOrgID = "scim_organization_id"

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateSCIMToken creates a bearer token that provisions into organizationID.
// Only the hash is stored; the plain token is returned once.
func GenerateSCIMToken(db *gorm.DB, organizationID uint, description string) (string, *models.SCIMToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	token := hex.EncodeToString(raw)

	scimToken := &models.SCIMToken{
		OrganizationID: organizationID,
		TokenHash:      hashToken(token),
		TokenPrefix:    token[:8],
		Description:    description,
	}
	if err := db.Create(scimToken).Error; err != nil {
		return "", nil, err
	}
	return token, scimToken, nil
}

// ValidateSCIMToken looks up a bearer token and stamps its last use
func ValidateSCIMToken(db *gorm.DB, token string) (*models.SCIMToken, error) {
	var scimToken models.SCIMToken
	if err := db.Where("token_hash = ?", hashToken(token)).First(&scimToken).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	if err := db.Model(&scimToken).UpdateColumn("last_used_at", &now).Error; err != nil {
		logging.Warn().Err(err).Uint("token_id", scimToken.ID).Msg("failed to record scim token use")
	}
	scimToken.LastUsedAt = &now

	return &scimToken, nil
}

// SCIMAuthMiddleware authenticates provisioning requests and scopes them
// to the token's organization
func SCIMAuthMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, "Authorization header required", "")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			abort(c, http.StatusUnauthorized, "Invalid authorization header format", "")
			return
		}

		scimToken, err := ValidateSCIMToken(db, parts[1])
		if err != nil {
			abort(c, http.StatusUnauthorized, "Invalid token", "")
			return
		}

		c.Set(ContextKeySCIMOrgID, scimToken.OrganizationID)
		c.Next()
	}
}

// GetSCIMOrgID returns the organization ID from SCIM context
func GetSCIMOrgID(c *gin.Context) (uint, bool) {
	orgID, exists := c.Get(ContextKeySCIMOrgID)
	if !exists {
		return 0, false
	}
	return orgID.(uint), true
}

// TokenResponse represents a SCIM token in API responses
type TokenResponse struct {
	ID             uint       `json:"id"`
	OrganizationID uint       `json:"organization_id"`
	TokenPrefix    string     `json:"token_prefix"`
	Description    string     `json:"description"`
	LastUsedAt     *time.Time `json:"last_used_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CreateTokenResponse includes the full token (only shown on creation)
type CreateTokenResponse struct {
	TokenResponse
	Token string `json:"token"`
}

// CreateTokenRequest asks for a token. Without an organization the token
// provisions into the global one.
type CreateTokenRequest struct {
	OrganizationID uint   `json:"organization_id"`
	Description    string `json:"description"`
}

func toTokenResponse(t *models.SCIMToken) TokenResponse {
	return TokenResponse{
		ID:             t.ID,
		OrganizationID: t.OrganizationID,
		TokenPrefix:    t.TokenPrefix,
		Description:    t.Description,
		LastUsedAt:     t.LastUsedAt,
		CreatedAt:      t.CreatedAt,
	}
}

// TokenHandler manages SCIM tokens (admin only)
type TokenHandler struct {
	db *gorm.DB
}

// NewTokenHandler creates a new token handler
func NewTokenHandler(db *gorm.DB) *TokenHandler {
	return &TokenHandler{db: db}
}

// ListTokens returns all SCIM tokens
func (h *TokenHandler) ListTokens(c *gin.Context) {
	var tokens []models.SCIMToken
	if err := h.db.Order("id").Find(&tokens).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tokens"})
		return
	}

	responses := make([]TokenResponse, len(tokens))
	for i := range tokens {
		responses[i] = toTokenResponse(&tokens[i])
	}
	c.JSON(http.StatusOK, responses)
}

// CreateToken creates a new SCIM token
func (h *TokenHandler) CreateToken(c *gin.Context) {
	var req CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orgID := req.OrganizationID
	if orgID == 0 {
		org, err := models.EnsureGlobalOrganization(h.db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Global organization not found"})
			return
		}
		orgID = org.ID
	} else {
		var org models.Organization
		if err := h.db.First(&org, orgID).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Organization not found"})
			return
		}
	}

	token, scimToken, err := GenerateSCIMToken(h.db, orgID, req.Description)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusCreated, CreateTokenResponse{
		TokenResponse: toTokenResponse(scimToken),
		Token:         token,
	})
}

// DeleteToken revokes a SCIM token
func (h *TokenHandler) DeleteToken(c *gin.Context) {
	var token models.SCIMToken
	if err := h.db.First(&token, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Token not found"})
		return
	}

	if err := h.db.Delete(&token).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Token deleted"})
}

// RegisterAdminRoutes registers SCIM token admin routes
func (h *TokenHandler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.GET("/scim-tokens", h.ListTokens)
	rg.POST("/scim-tokens", h.CreateToken)
	rg.DELETE("/scim-tokens/:id", h.DeleteToken)
}
