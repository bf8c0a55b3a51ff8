package api

import (
	"context"

	"dss/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(ctx context.Context, handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(middleware.Gzip())
	e.Use(RequestLogger())

	// Rate limiter on upload endpoints only
	uploadLimiter := NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)
	limited := uploadLimiter.Middleware()

	e.GET("/health", handler.HandleHealth)

	v2 := e.Group("/api/v2", Authenticate(handler.svc.Auth))
	v2.GET("/namespace", handler.HandleNamespace)

	files := v2.Group("/files")
	files.POST("", handler.HandleUploadFile, limited)
	files.POST("/check", handler.HandleCheckFile, limited)
	files.PUT("/links", handler.HandleCreateFileLink)
	files.DELETE("/links", handler.HandleDeleteLink)
	files.GET("/links", handler.HandleListFileLinks)

	images := v2.Group("/images")
	images.POST("", handler.HandleUploadImage, limited)
	images.POST("/check", handler.HandleCheckImage, limited)
	images.PUT("/links", handler.HandleCreateImageLink)
	images.DELETE("/links", handler.HandleDeleteLink)
	images.GET("/links", handler.HandleListImageLinks)
	images.POST("/:id/allowed-crops", handler.HandleAllowCrops)
	images.PUT("/:id/allowed-crops", handler.HandleReplaceCrops)
	images.DELETE("/:id/allowed-crops", handler.HandleRemoveCrop)
	images.GET("/:id/allowed-crops", handler.HandleListCrops)

	// Public objects
	e.GET("/:namespace/*", handler.HandleFetch)

	return e
}
