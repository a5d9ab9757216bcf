// Package router maps the HTTP surface onto the container's components.
package router

import (
	"net/http"
	"strings"

	"ai-character-runtime/backend/internal/api"
	"ai-character-runtime/backend/pkg/di"
	"ai-character-runtime/backend/pkg/errors"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/middleware"
	"ai-character-runtime/backend/pkg/validator"

	"github.com/gin-gonic/gin"
)

// Router is the main router for the application
type Router struct {
	Engine    *gin.Engine
	Container *di.Container
	Logger    *logger.Logger
}

// New creates a router with the global middleware chain installed
func New(container *di.Container) *Router {
	if container.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logger.Middleware(container.Logger))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())
	engine.Use(corsMiddleware(container.Config.Security.AllowedOrigins))
	engine.Use(bodyLimit(container.Config.Security.MaxBodySize))

	return &Router{
		Engine:    engine,
		Container: container,
		Logger:    container.Logger,
	}
}

// AddOpenAPIValidation validates documented requests against the schema at
// schemaPath and serves the document. Must run before SetupRoutes.
func (r *Router) AddOpenAPIValidation(schemaPath string) error {
	v, err := validator.NewOpenAPIValidator(schemaPath)
	if err != nil {
		return err
	}
	r.Engine.Use(v.Middleware())
	r.Engine.GET("/api/docs/openapi.json", v.ServeSpec)
	r.Logger.Info("OpenAPI validation enabled", "schema", schemaPath)
	return nil
}

// SetupRoutes registers all application routes. metrics serves GET /metrics
// when non-nil.
func (r *Router) SetupRoutes(metrics http.Handler) {
	c := r.Container
	jwtAuth := middleware.JWTAuth(c.JWTService, r.Logger)
	optionalAuth := middleware.OptionalJWTAuth(c.JWTService, r.Logger)
	limit := c.RateLimiter.Middleware()

	sessions := api.NewSessionHandler(c.Sessions, c.Characters)
	characters := api.NewCharacterHandler(c.Characters, c.Sessions)
	memories := api.NewMemoryHandler(c.Characters, c.Memory)

	r.Engine.GET("/health", gin.WrapF(c.Health.HTTPHandler()))
	if metrics != nil {
		r.Engine.GET("/metrics", gin.WrapH(metrics))
	}
	r.Engine.GET("/ws", optionalAuth, limit, c.Hub.ServeWs)

	v1 := r.Engine.Group("/api/v1")

	chat := v1.Group("/sessions", optionalAuth, limit)
	{
		chat.POST("", sessions.Initialize)
		chat.POST("/:sessionId/messages", sessions.SendMessage)
	}

	owned := v1.Group("/characters", jwtAuth, limit)
	{
		owned.GET("", characters.List)
		owned.PUT("", characters.Upsert)
		owned.GET("/:slug", characters.Get)
		owned.DELETE("/:slug", characters.Delete)

		mem := owned.Group("/:slug/memories")
		mem.GET("", memories.List)
		mem.POST("", memories.Create)
		mem.POST("/rooms", memories.ByRooms)
		mem.GET("/search", memories.Search)
		mem.GET("/all", memories.All)
		mem.GET("/:memoryId", memories.Get)
		mem.PUT("/:memoryId", memories.Update)
		mem.DELETE("/:memoryId", memories.Delete)
	}
}

// corsMiddleware allows the configured origins, including websocket upgrades
func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowAll := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case origin == "":
		case allowAll:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case set[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", "Content-Length", "Accept", "Authorization", "Origin", "Upgrade", "Connection", "Cache-Control",
		}, ", "))
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-RateLimit-Limit")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// bodyLimit caps request bodies at n bytes
func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if n > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}
