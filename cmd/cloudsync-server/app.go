package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/mikepea/cloudsync/pkg/cloudsync/admin"
	"github.com/mikepea/cloudsync/pkg/cloudsync/auth"
	"github.com/mikepea/cloudsync/pkg/cloudsync/bridge"
	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
	"github.com/mikepea/cloudsync/pkg/cloudsync/database"
	"github.com/mikepea/cloudsync/pkg/cloudsync/groups"
	"github.com/mikepea/cloudsync/pkg/cloudsync/groupstore"
	"github.com/mikepea/cloudsync/pkg/cloudsync/listing"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
	"github.com/mikepea/cloudsync/pkg/cloudsync/naming"
	"github.com/mikepea/cloudsync/pkg/cloudsync/nextcloud"
	"github.com/mikepea/cloudsync/pkg/cloudsync/reconcile"
	"github.com/mikepea/cloudsync/pkg/cloudsync/retry"
	"github.com/mikepea/cloudsync/pkg/cloudsync/scim"
)

// app holds the wired components shared by every subcommand
type app struct {
	cfg        *config.Config
	db         *gorm.DB
	remote     *nextcloud.Client
	exec       *retry.Executor
	events     *bridge.Registry
	files      *listing.Adapter
	reconciler *reconcile.Reconciler
}

func newApp(cfg *config.Config, db *gorm.DB) *app {
	store := groupstore.New(db)
	remote := nextcloud.New(cfg.Cloud, cfg.Breaker)
	names := naming.New(store, cfg.Cloud)
	exec := retry.New(cfg.Executor)

	events := bridge.NewRegistry()
	bridge.New(store, remote, exec, names, cfg.Cloud).Register(events)

	return &app{
		cfg:        cfg,
		db:         db,
		remote:     remote,
		exec:       exec,
		events:     events,
		files:      listing.New(remote, cfg.Cloud),
		reconciler: reconcile.New(store, remote, names, cfg.Cloud),
	}
}

// openApp connects the platform store and prepares the default records
func openApp(cfg *config.Config) (*app, error) {
	if err := database.Connect(cfg.Database.Path); err != nil {
		return nil, err
	}
	db := database.GetDB()

	globalOrg, err := models.EnsureGlobalOrganization(db)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure global organization exists: %w", err)
	}
	if err := ensureAdminExists(db, globalOrg); err != nil {
		return nil, fmt.Errorf("failed to ensure admin user exists: %w", err)
	}
	return newApp(cfg, db), nil
}

// shutdown waits for submitted backend operations, bounded by ctx
func (a *app) shutdown(ctx context.Context) {
	if err := a.exec.Shutdown(ctx); err != nil {
		stats := a.exec.Stats()
		logging.Warn().Err(err).Int64("in_flight", stats.InFlight).Msg("executor did not drain")
	}
}

func (a *app) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	baseURL := a.cfg.Server.BaseURL

	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"service": "cloudsync",
				"breaker": a.remote.BreakerState().String(),
			})
		})

		// Auth routes (public) and the user-info endpoint the backend login calls
		authHandler := auth.NewHandler(a.db, a.events)
		authHandler.RegisterRoutes(api.Group("/auth"))
		authHandler.RegisterOAuthRoutes(api.Group("/oauth"))

		groupsHandler := groups.NewHandler(a.db, a.events, a.files, a.cfg.Cloud)
		groupsGroup := api.Group("/groups")
		groupsGroup.Use(auth.AuthMiddleware(), auth.OrgMiddleware(a.db))
		groupsHandler.RegisterRoutes(groupsGroup)
		groupsHandler.RegisterMemberRoutes(groupsGroup)
		groupsHandler.RegisterCloudRoutes(groupsGroup)
		groupsHandler.RegisterFileRoutes(api.Group("/cloud", auth.AuthMiddleware()))

		// Admin routes (JWT only, admin role required)
		adminHandler := admin.NewHandler(a.db, a.events, a.reconciler, a.exec, a.remote)
		adminGroup := api.Group("/admin")
		adminGroup.Use(auth.AuthMiddleware(), auth.RequireAdmin())
		adminHandler.RegisterRoutes(adminGroup)

		scimTokenHandler := scim.NewTokenHandler(a.db)
		scimTokenHandler.RegisterAdminRoutes(adminGroup)
	}

	// SCIM routes live outside /api; discovery is public
	scimGroup := r.Group("/scim/v2")
	scim.NewDiscoveryHandler(baseURL).RegisterRoutes(scimGroup)
	{
		provisioned := scimGroup.Group("", scim.SCIMAuthMiddleware(a.db))
		scim.NewUserHandler(a.db, baseURL, a.events).RegisterRoutes(provisioned)
		scim.NewGroupHandler(a.db, baseURL, a.events).RegisterRoutes(provisioned)
	}

	serveFrontend(r)
	return r
}

// requestLogger logs each request through the global logger
func requestLogger() gin.HandlerFunc {
	log := logging.Component("http")
	return func(c *gin.Context) {
		c.Next()
		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("request")
	}
}

// serveFrontend serves a built admin UI from ./web/dist when one is present
func serveFrontend(r *gin.Engine) {
	webDistPath := "./web/dist"
	if _, err := os.Stat(webDistPath); err != nil {
		logging.Info().Msg("No frontend build found at ./web/dist - API only mode")
		return
	}

	r.Static("/assets", filepath.Join(webDistPath, "assets"))
	r.StaticFile("/favicon.ico", filepath.Join(webDistPath, "favicon.ico"))

	indexHTML := filepath.Join(webDistPath, "index.html")
	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}
		c.File(indexHTML)
	})
	logging.Info().Msg("Serving frontend from ./web/dist")
}

// ensureAdminExists creates a default admin user if no admin exists.
// The admin is added to the global organization.
func ensureAdminExists(db *gorm.DB, globalOrg *models.Organization) error {
	var count int64
	if err := db.Model(&models.User{}).Where("system_role = ?", models.SystemRoleAdmin).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashedPassword, err := auth.HashPassword("changeme")
	if err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		adminUser := models.User{
			Email:        "admin@cloudsync.local",
			Name:         "Admin",
			PasswordHash: hashedPassword,
			SystemRole:   models.SystemRoleAdmin,
		}
		if err := tx.Create(&adminUser).Error; err != nil {
			return err
		}

		orgMembership := models.OrganizationMembership{
			OrganizationID: globalOrg.ID,
			UserID:         adminUser.ID,
			Role:           models.OrgRoleAdmin,
		}
		if err := tx.Create(&orgMembership).Error; err != nil {
			return err
		}

		logging.Warn().Str("email", adminUser.Email).Msg("created default admin user with password 'changeme'")
		return nil
	})
}
