package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SetupRoutes 注册全部路由，metrics 为 nil 时不暴露 /metrics
func SetupRoutes(router *gin.Engine, h *Handler, metrics http.Handler) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	api := router.Group("/api")
	{
		debates := api.Group("/debates")
		debates.POST("", h.StartDebate)
		debates.GET("/:id/events", h.Events)
		debates.POST("/:id/stop", h.Stop)
		debates.POST("/:id/mentions", h.Mention)
		debates.POST("/:id/resume", h.Resume)

		api.POST("/followups", h.FollowUp)
		api.POST("/plans/:id", h.DecidePlan)

		api.GET("/sessions/:id", h.GetSession)
		api.GET("/subjects/:code/sessions", h.ListSessions)
		api.GET("/subjects/:code/in-progress", h.InProgress)

		api.GET("/roles", h.Roles)
		api.GET("/sources", h.Sources)
	}
}

// NewRouter 创建带恢复与访问日志中间件的引擎
func NewRouter(h *Handler, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), accessLog())
	SetupRoutes(router, h, metrics)
	return router
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
