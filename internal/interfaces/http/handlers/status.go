package handlers

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rcrelay/rcrelay/internal/infrastructure/health"
	"github.com/rcrelay/rcrelay/internal/infrastructure/pool"
)

// StatusHandler serves GET /health and GET /status.
type StatusHandler struct {
	tracker *health.Tracker
	pool    *pool.Pool
	active  *atomic.Int64
	logger  *zap.Logger
}

func NewStatusHandler(tracker *health.Tracker, connPool *pool.Pool, active *atomic.Int64, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		tracker: tracker,
		pool:    connPool,
		active:  active,
		logger:  logger,
	}
}

// Health reports the aggregate gateway condition: healthy when every
// provider passes the strict check, degraded when at least one does,
// unhealthy (503) when none do.
func (h *StatusHandler) Health(c *gin.Context) {
	snaps := h.tracker.Snapshots()
	healthy := 0
	for _, s := range snaps {
		if s.Healthy {
			healthy++
		}
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case len(snaps) == 0 || healthy == 0:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case healthy < len(snaps):
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"status":    status,
		"providers": len(snaps),
		"healthy":   healthy,
		"time":      time.Now().Unix(),
	})
}

type providerStatus struct {
	ID                  string  `json:"id"`
	Healthy             bool    `json:"healthy"`
	Available           bool    `json:"available"`
	Circuit             string  `json:"circuit"`
	QualityScore        float64 `json:"qualityScore"`
	InFlight            int     `json:"inFlight"`
	EMALatencyMs        float64 `json:"emaLatencyMs"`
	P95LatencyMs        float64 `json:"p95LatencyMs"`
	ErrorRate           float64 `json:"errorRate"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	TotalRequests       int64   `json:"totalRequests"`
	TotalFailures       int64   `json:"totalFailures"`
}

// Status exposes the full per-provider picture plus pool occupancy.
func (h *StatusHandler) Status(c *gin.Context) {
	snaps := h.tracker.Snapshots()
	providers := make([]providerStatus, 0, len(snaps))
	for _, s := range snaps {
		providers = append(providers, providerStatus{
			ID:                  s.Provider,
			Healthy:             s.Healthy,
			Available:           s.Available,
			Circuit:             s.Circuit.String(),
			QualityScore:        s.QualityScore,
			InFlight:            s.InFlight,
			EMALatencyMs:        float64(s.EMALatency) / float64(time.Millisecond),
			P95LatencyMs:        float64(s.P95Latency) / float64(time.Millisecond),
			ErrorRate:           s.ErrorRate,
			ConsecutiveFailures: s.ConsecutiveFailures,
			TotalRequests:       s.TotalRequests,
			TotalFailures:       s.TotalFailures,
		})
	}

	st := h.pool.Stats()
	c.JSON(http.StatusOK, gin.H{
		"providers":      providers,
		"activeRequests": h.active.Load(),
		"pool": gin.H{
			"total":   st.Total,
			"idle":    st.Idle,
			"busy":    st.Busy,
			"waiting": st.Waiting,
		},
	})
}
