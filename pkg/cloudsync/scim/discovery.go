package scim

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DiscoveryHandler serves the SCIM discovery endpoints
type DiscoveryHandler struct {
	baseURL string
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(baseURL string) *DiscoveryHandler {
	return &DiscoveryHandler{baseURL: baseURL}
}

func (h *DiscoveryHandler) location(path string) string {
	return h.baseURL + "/scim/v2" + path
}

// GetServiceProviderConfig returns the service provider configuration
func (h *DiscoveryHandler) GetServiceProviderConfig(c *gin.Context) {
	c.JSON(http.StatusOK, ServiceProviderConfig{
		Schemas:        []string{SchemaServiceProvider},
		Patch:          SupportedConfig{Supported: true},
		Bulk:           BulkConfig{Supported: false},
		Filter:         FilterConfig{Supported: true, MaxResults: 1000},
		ChangePassword: SupportedConfig{Supported: false},
		Sort:           SupportedConfig{Supported: false},
		Etag:           SupportedConfig{Supported: false},
		AuthenticationSchemes: []AuthenticationScheme{{
			Type:        "oauthbearertoken",
			Name:        "OAuth Bearer Token",
			Description: "Authentication scheme using the OAuth Bearer Token Standard",
			SpecURI:     "https://www.rfc-editor.org/info/rfc6750",
			Primary:     true,
		}},
		Meta: Meta{
			ResourceType: "ServiceProviderConfig",
			Location:     h.location("/ServiceProviderConfig"),
		},
	})
}

// GetResourceTypes returns the supported resource types
func (h *DiscoveryHandler) GetResourceTypes(c *gin.Context) {
	resource := func(name, description, schema string) ResourceType {
		return ResourceType{
			Schemas:     []string{SchemaResourceType},
			ID:          name,
			Name:        name,
			Endpoint:    "/" + name + "s",
			Description: description,
			Schema:      schema,
			Meta: Meta{
				ResourceType: "ResourceType",
				Location:     h.location("/ResourceTypes/" + name),
			},
		}
	}
	c.JSON(http.StatusOK, []ResourceType{
		resource("User", "Platform account mirrored to a cloud account", SchemaUser),
		resource("Group", "Platform group mirrored to a cloud group and group folder", SchemaGroup),
	})
}

type attribute struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	MultiValued bool   `json:"multiValued"`
	Required    bool   `json:"required"`
	CaseExact   bool   `json:"caseExact,omitempty"`
	Mutability  string `json:"mutability"`
	Returned    string `json:"returned"`
	Uniqueness  string `json:"uniqueness,omitempty"`
}

type schema struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Attributes  []attribute `json:"attributes"`
	Meta        Meta        `json:"meta"`
}

var (
	userAttributes = []attribute{
		{Name: "userName", Type: "string", Required: true, Mutability: "readWrite", Returned: "default", Uniqueness: "server"},
		{Name: "name", Type: "complex", Mutability: "readWrite", Returned: "default"},
		{Name: "displayName", Type: "string", Mutability: "readWrite", Returned: "default"},
		{Name: "emails", Type: "complex", MultiValued: true, Mutability: "readWrite", Returned: "default"},
		{Name: "active", Type: "boolean", Mutability: "readWrite", Returned: "default"},
		{Name: "externalId", Type: "string", CaseExact: true, Mutability: "readWrite", Returned: "default"},
	}
	groupAttributes = []attribute{
		{Name: "displayName", Type: "string", Required: true, Mutability: "readWrite", Returned: "default"},
		{Name: "members", Type: "complex", MultiValued: true, Mutability: "readWrite", Returned: "default"},
		{Name: "externalId", Type: "string", CaseExact: true, Mutability: "readWrite", Returned: "default"},
	}
)

// GetSchemas returns the supported schemas
func (h *DiscoveryHandler) GetSchemas(c *gin.Context) {
	schemas := []schema{
		{ID: SchemaUser, Name: "User", Description: "User Account", Attributes: userAttributes,
			Meta: Meta{ResourceType: "Schema", Location: h.location("/Schemas/" + SchemaUser)}},
		{ID: SchemaGroup, Name: "Group", Description: "Group", Attributes: groupAttributes,
			Meta: Meta{ResourceType: "Schema", Location: h.location("/Schemas/" + SchemaGroup)}},
	}
	c.JSON(http.StatusOK, ListResponse{
		Schemas:      []string{SchemaListResponse},
		TotalResults: len(schemas),
		StartIndex:   1,
		ItemsPerPage: len(schemas),
		Resources:    schemas,
	})
}

// RegisterRoutes registers the discovery routes
func (h *DiscoveryHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ServiceProviderConfig", h.GetServiceProviderConfig)
	rg.GET("/ResourceTypes", h.GetResourceTypes)
	rg.GET("/Schemas", h.GetSchemas)
}
