// Package limits enforces static, operator-configured resource limits on
// the Gateway's connection admission, adapted from the teacher's
// internal/shared/limits.ResourceGuard: no auto-calculated capacity, no
// historical trends, just configured thresholds checked on each decision.
package limits

import (
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/imcore/internal/monitoring"
	"github.com/adred-codev/imcore/internal/platform"
)

// GoroutineLimiter caps concurrent goroutines via a buffered-channel
// semaphore, the same shape as the teacher's.
type GoroutineLimiter struct {
	sem chan struct{}
}

func NewGoroutineLimiter(max int) *GoroutineLimiter {
	return &GoroutineLimiter{sem: make(chan struct{}, max)}
}

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

// Config is the Gateway's static resource policy.
type Config struct {
	MaxConnections     int
	MaxGoroutines      int
	MemoryLimitBytes   int64
	CPURejectThreshold float64 // percent; reject new connections above this
}

// Guard checks admission for new Gateway connections against the
// configured limits, narrowing the teacher's ResourceGuard to the single
// check this module needs (connection admission); rate limiting of Kafka
// consumption and broadcasts has no equivalent here since this design's
// Durable Log consumers already bound their own fetch batch sizes.
type Guard struct {
	cfg              Config
	logger           zerolog.Logger
	goroutineLimiter *GoroutineLimiter
	cpuMonitor       *platform.CPUMonitor
	currentConns     *int64

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64
}

func NewGuard(cfg Config, logger zerolog.Logger, currentConns *int64) *Guard {
	g := &Guard{
		cfg:              cfg,
		logger:           logger,
		goroutineLimiter: NewGoroutineLimiter(cfg.MaxGoroutines),
		cpuMonitor:       platform.NewCPUMonitor(logger),
		currentConns:     currentConns,
	}
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))
	return g
}

// ShouldAcceptConnection runs the admission checks in order: hard
// connection cap, CPU reject threshold, memory limit, goroutine cap.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := atomic.LoadInt64(g.currentConns)
	cpuPct := g.currentCPU.Load().(float64)
	memBytes := g.currentMemory.Load().(int64)
	goros := runtime.NumGoroutine()

	switch {
	case g.cfg.MaxConnections > 0 && conns >= int64(g.cfg.MaxConnections):
		monitoring.GatewayConnectionsRejected.WithLabelValues("at_max_connections").Inc()
		return false, "at max connections"
	case g.cfg.CPURejectThreshold > 0 && cpuPct > g.cfg.CPURejectThreshold:
		monitoring.GatewayConnectionsRejected.WithLabelValues("cpu_overload").Inc()
		return false, "cpu overload"
	case g.cfg.MemoryLimitBytes > 0 && memBytes > g.cfg.MemoryLimitBytes:
		monitoring.GatewayConnectionsRejected.WithLabelValues("memory_limit").Inc()
		return false, "memory limit exceeded"
	case g.cfg.MaxGoroutines > 0 && goros > g.cfg.MaxGoroutines:
		monitoring.GatewayConnectionsRejected.WithLabelValues("goroutine_limit").Inc()
		return false, "goroutine limit exceeded"
	default:
		return true, "OK"
	}
}

func (g *Guard) AcquireGoroutine() bool { return g.goroutineLimiter.Acquire() }
func (g *Guard) ReleaseGoroutine()      { g.goroutineLimiter.Release() }

// UpdateResources refreshes the CPU/memory readings the admission checks
// use; call this periodically (e.g. every 15s) from a background ticker.
func (g *Guard) UpdateResources() {
	cpuPct, throttle, err := g.cpuMonitor.GetPercent()
	if err != nil {
		g.logger.Debug().Err(err).Msg("cpu measurement failed")
		cpuPct = 0
	}
	g.currentCPU.Store(cpuPct)
	monitoring.CPUPercent.Set(cpuPct)
	if throttle.NrThrottled > 0 {
		monitoring.CPUThrottleEventsTotal.Add(float64(throttle.NrThrottled))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))
}
