// Package resourceguard enforces static admission-control limits so one
// overloaded process degrades by rejecting new work rather than falling
// over: a goroutine semaphore and a CPU safety brake sampled periodically
// via gopsutil. Memory is sampled for metrics and logs only; it does not
// gate admission. Grounded on the teacher's
// internal/shared/limits/resource_guard.go, simplified from its
// cgroup-file-parsing CPU monitor down to gopsutil/v3's own cross-platform
// sampling (host-relative rather than cgroup-quota-relative).
package resourceguard

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/wotanvonklass/polygon-proxy/internal/obsmetrics"
)

// GoroutineLimiter bounds concurrent goroutines with a semaphore.
type GoroutineLimiter struct {
	sem chan struct{}
	max int
}

func NewGoroutineLimiter(max int) *GoroutineLimiter {
	return &GoroutineLimiter{sem: make(chan struct{}, max), max: max}
}

// Acquire attempts to reserve a slot; false means the limit is reached.
func (gl *GoroutineLimiter) Acquire() bool {
	select {
	case gl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (gl *GoroutineLimiter) Release() { <-gl.sem }
func (gl *GoroutineLimiter) Current() int { return len(gl.sem) }
func (gl *GoroutineLimiter) Max() int { return gl.max }

// Guard enforces CPU/goroutine admission control for one process and
// records the latest memory sample.
type Guard struct {
	logger zerolog.Logger

	cpuRejectThreshold float64
	cpuPauseThreshold  float64
	maxGoroutines      int

	goroutines *GoroutineLimiter

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // uint64
}

// New builds a Guard. cpuRejectThreshold/cpuPauseThreshold are percentages
// (0-100); maxGoroutines bounds concurrent admitted connections.
func New(logger zerolog.Logger, cpuRejectThreshold, cpuPauseThreshold float64, maxGoroutines int) *Guard {
	g := &Guard{
		logger:             logger,
		cpuRejectThreshold: cpuRejectThreshold,
		cpuPauseThreshold:  cpuPauseThreshold,
		maxGoroutines:      maxGoroutines,
		goroutines:         NewGoroutineLimiter(maxGoroutines),
	}
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(uint64(0))
	return g
}

// ShouldAcceptConnection applies the CPU-overload and goroutine-limit
// brakes spec.md's resource model implies for admission control.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	currentCPU := g.currentCPU.Load().(float64)
	if currentCPU > g.cpuRejectThreshold {
		obsmetrics.ConnectionsRejectedTotal.WithLabelValues("cpu_overload").Inc()
		return false, "cpu overload"
	}
	if runtime.NumGoroutine() > g.maxGoroutines {
		obsmetrics.ConnectionsRejectedTotal.WithLabelValues("goroutine_limit").Inc()
		return false, "goroutine limit exceeded"
	}
	return true, "OK"
}

// ShouldPauseUpstream reports whether upstream consumption should pause
// while CPU is critically high (used by aggregator bar processing).
func (g *Guard) ShouldPauseUpstream() bool {
	return g.currentCPU.Load().(float64) > g.cpuPauseThreshold
}

// HealthStatus is the JSON payload served on /health, grounded on the
// teacher's handleHealth: current resource samples plus the admission
// decisions they drive, rather than a bare "ok".
type HealthStatus struct {
	Healthy           bool    `json:"healthy"`
	CPUPercent        float64 `json:"cpu_percent"`
	CPURejectPercent  float64 `json:"cpu_reject_threshold"`
	CPUPausePercent   float64 `json:"cpu_pause_threshold"`
	MemoryAllocBytes  uint64  `json:"memory_alloc_bytes"`
	GoroutinesCurrent int     `json:"goroutines_current"`
	GoroutinesMax     int     `json:"goroutines_max"`
	AcceptingWork     bool    `json:"accepting_work"`
	RejectReason      string  `json:"reject_reason,omitempty"`
	UpstreamPaused    bool    `json:"upstream_paused"`
}

// HealthStatus reports the guard's current admission-control view.
func (g *Guard) HealthStatus() HealthStatus {
	accept, reason := g.ShouldAcceptConnection()
	h := HealthStatus{
		Healthy:           accept,
		CPUPercent:        g.currentCPU.Load().(float64),
		CPURejectPercent:  g.cpuRejectThreshold,
		CPUPausePercent:   g.cpuPauseThreshold,
		MemoryAllocBytes:  g.currentMemory.Load().(uint64),
		GoroutinesCurrent: runtime.NumGoroutine(),
		GoroutinesMax:     g.maxGoroutines,
		AcceptingWork:     accept,
		UpstreamPaused:    g.ShouldPauseUpstream(),
	}
	if !accept {
		h.RejectReason = reason
	}
	return h
}

// TestSetCPUPercent overrides the last-sampled CPU percentage without
// waiting on StartMonitoring's ticker. Exported for other packages' tests
// that exercise CPU-driven admission control (e.g. the aggregator's pause
// gate) against a real Guard instead of a hand-rolled fake.
func (g *Guard) TestSetCPUPercent(pct float64) {
	g.currentCPU.Store(pct)
}

// HealthHandler serves HealthStatus as JSON, returning 503 when the guard
// is currently rejecting new work.
func (g *Guard) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := g.HealthStatus()
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	}
}

// AcquireGoroutine reserves a slot for a new long-lived goroutine (e.g. a
// per-client session pair). Caller must call ReleaseGoroutine on exit.
func (g *Guard) AcquireGoroutine() bool {
	ok := g.goroutines.Acquire()
	if !ok {
		g.logger.Warn().
			Int("current", g.goroutines.Current()).
			Int("max", g.goroutines.Max()).
			Msg("goroutine limit reached")
	}
	return ok
}

func (g *Guard) ReleaseGoroutine() { g.goroutines.Release() }

// StartMonitoring samples CPU and memory at interval until ctx is done,
// updating both internal admission-control state and exported metrics.
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (g *Guard) sample() {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		g.currentCPU.Store(pcts[0])
		obsmetrics.CPUUsagePercent.Set(pcts[0])
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	g.currentMemory.Store(ms.Alloc)
	obsmetrics.MemoryUsageBytes.Set(float64(ms.Alloc))
	obsmetrics.GoroutinesActive.Set(float64(runtime.NumGoroutine()))

	// vm is only logged; neither it nor the heap sample above feeds
	// admission control.
	if vm, err := mem.VirtualMemory(); err == nil {
		g.logger.Debug().
			Float64("cpu_percent", g.currentCPU.Load().(float64)).
			Uint64("memory_alloc_bytes", ms.Alloc).
			Float64("host_memory_used_percent", vm.UsedPercent).
			Int("goroutines", runtime.NumGoroutine()).
			Msg("resource guard sample")
	}
}
