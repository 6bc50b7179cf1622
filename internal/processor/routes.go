package processor

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/seanankenbruck/semantic-analytics/internal/auth"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
)

// TraceHeader carries the pipeline trace id on every query response.
const TraceHeader = observability.TraceHeader

// SetupRoutes builds the HTTP server: health and metrics, the auth
// endpoints, and the analytics API behind authentication.
func (qp *QueryProcessor) SetupRoutes(authManager *auth.AuthManager) *gin.Engine {
	r := gin.New()
	r.Use(observability.RecoveryMiddleware(qp.logger))
	r.Use(observability.RequestLoggingMiddleware(qp.logger))
	r.Use(observability.MetricsMiddleware())

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Expose-Headers", TraceHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		if qp.healthChecker != nil {
			observability.HealthHandler(qp.healthChecker)(c)
			return
		}
		// Fallback for when health checker is not configured
		c.JSON(http.StatusOK, gin.H{
			"status":  observability.HealthStatusHealthy,
			"service": "analytics-server",
		})
	})
	r.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	v1 := r.Group("/api/v1")
	auth.NewAuthHandlers(authManager).SetupRoutes(v1)

	analytics := v1.Group("/analytics")
	analytics.Use(authManager.Middleware())
	{
		analytics.POST("/query", qp.handleQuery)
		analytics.GET("/model", qp.handleGetModel)
		analytics.GET("/quota", qp.handleGetQuota)
	}

	admin := v1.Group("/admin")
	admin.Use(authManager.Middleware(), authManager.RequireRole("admin"))
	{
		admin.POST("/model/reload", qp.handleReloadModel)
	}

	return r
}

func (qp *QueryProcessor) handleQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		auth.AbortWithError(c, errors.NewInvalidInputError("request body", err.Error()))
		return
	}

	user, ok := auth.CurrentUserContext(c)
	if !ok {
		auth.AbortWithError(c, errors.NewNotAuthenticatedError())
		return
	}

	traceID := qp.newTraceID()
	ctx := observability.WithTraceID(c.Request.Context(), traceID)
	c.Header(TraceHeader, traceID)

	resp, err := qp.ProcessQuery(ctx, &req, user)
	if err != nil {
		status, body := errors.ToResponse(err, traceID)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, resp.Envelope())
}

func (qp *QueryProcessor) handleGetModel(c *gin.Context) {
	model := qp.pipeline.Store.Current()
	if model == nil {
		auth.AbortWithError(c, errors.NewModelUnavailableError())
		return
	}
	c.JSON(http.StatusOK, model.Vocabulary())
}

func (qp *QueryProcessor) handleGetQuota(c *gin.Context) {
	userID, _ := auth.GetCurrentUserID(c)
	quota, err := qp.pipeline.Gate.Quota(c.Request.Context(), userID)
	if err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, quota)
}

func (qp *QueryProcessor) handleReloadModel(c *gin.Context) {
	model, err := qp.pipeline.Store.Reload(c.Request.Context())
	if err != nil {
		auth.AbortWithError(c, errors.Wrap(err, errors.ErrCodeModelUnavailable, "Semantic model reload failed"))
		return
	}

	qp.logger.Info(c.Request.Context(), "Semantic model reloaded by admin", map[string]interface{}{
		"version": model.Version,
	})
	c.JSON(http.StatusOK, model.Vocabulary())
}
