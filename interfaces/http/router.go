package httpiface

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lioneltay/claude-pilot/application/gateway"
	"github.com/lioneltay/claude-pilot/application/transcode"
	"github.com/lioneltay/claude-pilot/domain/messages"
	"github.com/lioneltay/claude-pilot/domain/persistence"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	serviceName    = "claude-pilot"
	serviceVersion = "1.0.0"
	requestIDKey   = "request_id"

	defaultListLimit = 50
	maxListLimit     = 500
)

type GatewayService interface {
	Messages(ctx context.Context, req *messages.Request) (*messages.Response, error)
	StreamMessages(ctx context.Context, req *messages.Request, sink transcode.EventSink) error
	CountTokens(req *messages.Request) (*messages.CountTokensResponse, error)
}

// CircuitMonitor reports per-model breaker states for the health endpoint
type CircuitMonitor interface {
	GetCircuitStates() map[string]string
}

type Router struct {
	service     GatewayService
	corsOrigins []string
	circuits    CircuitMonitor
	metricsRepo persistence.MetricsRepository
	requestRepo persistence.RequestRepository
	dbManager   persistence.DatabaseManager
	processor   persistence.EventProcessor
}

func NewRouter(service GatewayService, corsOrigins []string) *Router {
	return &Router{
		service:     service,
		corsOrigins: corsOrigins,
	}
}

// NewRouterWithPersistence creates a router that also serves the request log
func NewRouterWithPersistence(
	service GatewayService,
	corsOrigins []string,
	metricsRepo persistence.MetricsRepository,
	requestRepo persistence.RequestRepository,
	dbManager persistence.DatabaseManager,
	processor persistence.EventProcessor,
) *Router {
	return &Router{
		service:     service,
		corsOrigins: corsOrigins,
		metricsRepo: metricsRepo,
		requestRepo: requestRepo,
		dbManager:   dbManager,
		processor:   processor,
	}
}

// WithCircuitMonitor adds breaker states to the health report
func (r *Router) WithCircuitMonitor(circuits CircuitMonitor) *Router {
	r.circuits = circuits
	return r
}

func (r *Router) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(r.corsMiddleware())

	// Health endpoints
	router.GET("/live", r.liveness)
	router.GET("/ready", r.readiness)
	router.GET("/health", r.healthCheck)

	api := router.Group("/v1")
	api.Use(r.requestIDMiddleware())
	api.POST("/messages", r.createMessage)
	api.POST("/messages/count_tokens", r.countTokens)

	// Request log endpoints (only available if repositories are configured)
	if r.metricsRepo != nil && r.requestRepo != nil {
		api.GET("/metrics", r.getAggregatedMetrics)
		api.GET("/requests", r.listRequests)
		api.GET("/requests/:request-id", r.getRequest)
	}

	return router
}

func (r *Router) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqOrigin := c.GetHeader("Origin")
		if reqOrigin == "" {
			c.Header("Access-Control-Allow-Origin", strings.Join(r.corsOrigins, ", "))
		} else {
			allowOrigin := ""
			if len(r.corsOrigins) == 1 && r.corsOrigins[0] == "*" {
				allowOrigin = "*"
			} else {
				for _, allowed := range r.corsOrigins {
					if allowed == reqOrigin {
						allowOrigin = reqOrigin
						break
					}
				}
			}
			if allowOrigin != "" {
				c.Header("Access-Control-Allow-Origin", allowOrigin)
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, Anthropic-Version, Anthropic-Beta, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware honours a client X-Request-ID when it is a UUID and
// generates one otherwise. The id is echoed back and carried in the request
// context for the service and the request log.
func (r *Router) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientRequestID := c.GetHeader("X-Request-ID")

		requestUUID, err := uuid.Parse(clientRequestID)
		if err != nil {
			requestUUID = uuid.New()
			if clientRequestID != "" {
				c.Header("X-Client-Request-ID", clientRequestID)
			}
		}

		c.Header("X-Request-ID", requestUUID.String())
		c.Set(requestIDKey, requestUUID)
		c.Request = c.Request.WithContext(gateway.WithRequestID(c.Request.Context(), requestUUID))

		c.Next()
	}
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get(requestIDKey); ok {
		return id.(uuid.UUID).String()
	}
	return ""
}

func (r *Router) healthCheck(c *gin.Context) {
	checks := gin.H{
		"api": "ok",
	}

	overallOK := true

	if r.dbManager != nil {
		if err := r.dbManager.Health(c.Request.Context()); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			overallOK = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if r.processor != nil {
		ph := r.processor.Health()
		checks["processor"] = ph
		if !ph.IsRunning {
			overallOK = false
		}
	}

	// An open breaker is reported but does not fail the probe: other models
	// may still be served.
	if r.circuits != nil {
		checks["circuit_breakers"] = r.circuits.GetCircuitStates()
	}

	status := "healthy"
	code := http.StatusOK
	if !overallOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   serviceName,
		"version":   serviceVersion,
		"checks":    checks,
	})
}

// liveness probe: process is up and serving HTTP
func (r *Router) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readiness probe: dependencies healthy and ready to serve traffic
func (r *Router) readiness(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if r.dbManager != nil {
		if err := r.dbManager.Health(c.Request.Context()); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			ready = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if r.processor != nil {
		ph := r.processor.Health()
		checks["processor"] = ph
		if !ph.IsRunning {
			ready = false
		}
	}

	if ready {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":    "not_ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

func (r *Router) bindRequest(c *gin.Context) (*messages.Request, bool) {
	var req messages.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).WithField("request_id", requestID(c)).Warn("Failed to bind request")
		c.JSON(http.StatusBadRequest, messages.NewErrorResponse(messages.ErrInvalidRequest, "invalid request body: "+err.Error()))
		return nil, false
	}
	return &req, true
}

func (r *Router) createMessage(c *gin.Context) {
	req, ok := r.bindRequest(c)
	if !ok {
		return
	}

	if req.Stream {
		sink := newSSEWriter(c)
		if err := r.service.StreamMessages(c.Request.Context(), req, sink); err != nil {
			logrus.WithError(err).WithField("request_id", requestID(c)).Error("Streaming request failed")
			if !sink.started {
				writeError(c, err)
			}
		}
		return
	}

	resp, err := r.service.Messages(c.Request.Context(), req)
	if err != nil {
		logrus.WithError(err).WithField("request_id", requestID(c)).Error("Failed to process message request")
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (r *Router) countTokens(c *gin.Context) {
	req, ok := r.bindRequest(c)
	if !ok {
		return
	}

	resp, err := r.service.CountTokens(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// getAggregatedMetrics reports token and latency aggregates plus the request
// count per routing decision
func (r *Router) getAggregatedMetrics(c *gin.Context) {
	limitStr := c.DefaultQuery("limit", "1000")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, messages.NewErrorResponse(messages.ErrInvalidRequest, "invalid limit parameter"))
		return
	}

	metrics, err := r.metricsRepo.GetAggregatedMetrics(c.Request.Context(), limit)
	if err != nil {
		logrus.WithError(err).Error("Failed to get aggregated metrics")
		c.JSON(http.StatusInternalServerError, messages.NewErrorResponse(messages.ErrAPI, "failed to retrieve aggregated metrics"))
		return
	}

	byDecision, err := r.requestRepo.CountByDecision(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Warn("Failed to count requests by decision")
	} else {
		metrics.RequestsByDecision = byDecision
	}

	c.JSON(http.StatusOK, metrics)
}

// getRequest retrieves a request log record with its metrics
func (r *Router) getRequest(c *gin.Context) {
	requestIDStr := c.Param("request-id")
	requestID, err := uuid.Parse(requestIDStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, messages.NewErrorResponse(messages.ErrInvalidRequest, "invalid request id format"))
		return
	}

	record, err := r.requestRepo.FindByIDWithRelations(c.Request.Context(), requestID)
	if err != nil {
		logrus.WithError(err).Errorf("Failed to get request %s", requestID)
		c.JSON(http.StatusNotFound, messages.NewErrorResponse(messages.ErrNotFound, "request not found"))
		return
	}

	c.JSON(http.StatusOK, record)
}

// listRequests returns the most recent request log records, optionally
// filtered by status
func (r *Router) listRequests(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit < 1 || limit > maxListLimit {
		c.JSON(http.StatusBadRequest, messages.NewErrorResponse(messages.ErrInvalidRequest,
			fmt.Sprintf("limit must be between 1 and %d", maxListLimit)))
		return
	}

	var records []*persistence.RequestRecord
	if statusStr := c.Query("status"); statusStr != "" {
		status := persistence.RequestStatus(statusStr)
		switch status {
		case persistence.RequestStatusPending, persistence.RequestStatusCompleted, persistence.RequestStatusFailed:
		default:
			c.JSON(http.StatusBadRequest, messages.NewErrorResponse(messages.ErrInvalidRequest, "unknown status "+strconv.Quote(statusStr)))
			return
		}
		records, err = r.requestRepo.FindByStatus(c.Request.Context(), status, limit)
	} else {
		records, err = r.requestRepo.FindRecent(c.Request.Context(), limit)
	}
	if err != nil {
		logrus.WithError(err).Error("Failed to list requests")
		c.JSON(http.StatusInternalServerError, messages.NewErrorResponse(messages.ErrAPI, "failed to list requests"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requests": records,
		"count":    len(records),
	})
}
