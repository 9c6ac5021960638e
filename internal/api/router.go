package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter wires the handler under /api. webDir, when set, is served for
// every other path.
func NewRouter(h *Handler, webDir string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(h.logger))
	r.Use(cors())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	api := r.Group("/api")
	api.GET("/models", h.ListModels)

	conversations := api.Group("/conversations")
	conversations.GET("", h.ListConversations)
	conversations.POST("", h.CreateConversation)
	conversations.PUT("/:id", h.UpdateConversation)
	conversations.DELETE("/:id", h.DeleteConversation)
	conversations.GET("/:id/messages", h.GetMessages)
	conversations.POST("/:id/messages", h.SendMessage)
	conversations.POST("/:id/messages/:node/edit", h.EditMessage)
	conversations.POST("/:id/regenerate", h.Regenerate)
	conversations.POST("/:id/branches", h.SelectBranch)
	conversations.POST("/:id/stop", h.Stop)
	conversations.PUT("/:id/system", h.SetSystemMessage)

	if webDir != "" {
		r.NoRoute(gin.WrapH(http.FileServer(http.Dir(webDir))))
	}
	return r
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("Handled request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
