// Package api wires HTTP routes to their handlers.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jengzang/mahjong-analysis-go/internal/handler"
	"github.com/jengzang/mahjong-analysis-go/internal/middleware"
	"github.com/jengzang/mahjong-analysis-go/internal/service"
)

// ServiceName is reported by the index and health endpoints.
const ServiceName = "Mahjong Analysis API"

// Deps holds what the router needs to serve requests.
type Deps struct {
	Tasks   *service.AnalysisTaskService
	Limiter *middleware.RateLimiter
	Version string
	Logger  zerolog.Logger
}

// SetupRouter builds the gin engine with every route registered.
func SetupRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(deps.Logger))

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	system := handler.NewSystemHandler(ServiceName, deps.Version)
	r.GET("/", system.Index)
	r.GET("/health", system.Health)

	tasks := handler.NewAnalysisTaskHandler(deps.Tasks)

	analysis := r.Group("/analysis")
	{
		analysis.POST("", middleware.RateLimit(deps.Limiter), tasks.CreateTask)
		analysis.GET("/:id", tasks.GetTask)
		analysis.GET("/:id/result", tasks.GetTaskResult)
	}

	r.GET("/tasks", tasks.ListTasks)
	r.GET("/tasks/search", tasks.SearchTasks)
	r.GET("/cos/list", tasks.ListStorage)

	return r
}
