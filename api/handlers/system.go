package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/api"
	"github.com/codepod-dev/codepod/sandbox"
)

// StatusProvider reports the container runtime probe state. *sandbox.Client
// implements it.
type StatusProvider interface {
	Status() sandbox.Status
	Probe(ctx context.Context) error
}

// StatsProvider exposes execution counters. *sandbox.Runner implements it.
type StatsProvider interface {
	Stats() sandbox.RunnerStats
}

// SessionCounter reports the live terminal session count.
type SessionCounter interface {
	Count() int
}

// SystemHandler 健康检查与系统自省端点
type SystemHandler struct {
	docker    StatusProvider
	runner    StatsProvider
	sessions  SessionCounter
	catalog   *sandbox.Catalog
	version   string
	startTime time.Time
	logger    *zap.Logger
}

// NewSystemHandler 创建系统处理器
func NewSystemHandler(docker StatusProvider, runner StatsProvider, sessions SessionCounter, catalog *sandbox.Catalog, version string, logger *zap.Logger) *SystemHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemHandler{
		docker:    docker,
		runner:    runner,
		sessions:  sessions,
		catalog:   catalog,
		version:   version,
		startTime: time.Now(),
		logger:    logger.With(zap.String("handler", "system")),
	}
}

// HandleHealth GET /health。运行时不可达时报告 degraded 而不是失败，
// 服务本身仍在工作。
func (h *SystemHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = h.docker.Probe(r.Context())
	st := h.docker.Status()

	status := "ok"
	if !st.Available {
		status = "degraded"
	}
	WriteJSON(w, http.StatusOK, api.HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).Seconds(),
		Version:   h.version,
		Docker: api.DockerStatus{
			Available:           st.Available,
			LastChecked:         st.LastChecked,
			ConsecutiveFailures: st.ConsecutiveFailures,
			BackoffActive:       st.BackoffActive,
		},
	})
}

// HandleSystem GET /api/system
func (h *SystemHandler) HandleSystem(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := h.runner.Stats()
	executions := map[string]int64{
		"total":     stats.Total,
		"succeeded": stats.Succeeded,
		"failed":    stats.Failed,
		"timedOut":  stats.TimedOut,
	}

	active := 0
	if h.sessions != nil {
		active = h.sessions.Count()
	}

	WriteJSON(w, http.StatusOK, api.SystemResponse{
		Success:        true,
		Uptime:         time.Since(h.startTime).Seconds(),
		GoVersion:      runtime.Version(),
		Goroutines:     runtime.NumGoroutine(),
		MemoryAllocMB:  float64(mem.Alloc) / (1 << 20),
		Languages:      h.catalog.Len(),
		ActiveSessions: active,
		Executions:     executions,
	})
}
